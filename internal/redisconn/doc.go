// Package redisconn manages the Redis connection used by the redis checkpoint
// backend. This package is internal and should not be imported by external projects.
package redisconn
