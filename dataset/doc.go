/*
Package dataset loads work items from JSON or JSONL input and appends output
records to a JSONL sink.

Input records may use English (question/answer) or Turkish (soru/cevap) keys,
or carry a raw text chunk. Records without an id receive a stable UUIDv5 derived
from their content, so the same input always yields the same ids across runs.

Sink is append-only. Every Append ends with an fsync and returns the new file
offset, which the checkpoint records; on resume the file is truncated back to
that offset before appending again.
*/
package dataset
