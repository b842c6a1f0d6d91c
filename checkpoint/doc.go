// Package checkpoint persists the resume point of a batch run.
//
// A Record holds the cursor (the next batch index that has not been fully
// committed), the ids already written to the output, the ids that failed
// permanently, and the output file offset at the cursor. The cursor only
// advances over contiguous batches: a batch reported ahead of the cursor is
// buffered until the gap before it closes.
//
// Two backends are provided. FileBackend writes a checksummed envelope to a
// temp file, fsyncs it and renames it over the previous checkpoint.
// RedisBackend stores the same envelope under a key inside a MULTI/EXEC
// transaction and keeps a short history list next to it. Both report
// types.ErrCorruption when the stored envelope does not validate.
package checkpoint
