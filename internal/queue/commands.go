// Package queue implements the single-owner queue service that sits on top
// of a WAL: client requests cross a bounded command channel to a dedicated
// worker goroutine, which is the sole writer/reader of the underlying log.
package queue

// DocBatch is a batch of concatenated document payloads for one index,
// addressed via DocLens as consecutive slice lengths over ConcatDocs.
type DocBatch struct {
	IndexID    string
	ConcatDocs []byte
	DocLens    []uint64
}

// NewDocBatch builds a DocBatch for indexID out of individually-addressed
// document payloads, concatenating them and recording their lengths —
// the inverse of Docs.
func NewDocBatch(indexID string, docs [][]byte) DocBatch {
	lens := make([]uint64, len(docs))
	var total int
	for i, d := range docs {
		lens[i] = uint64(len(d))
		total += len(d)
	}
	concat := make([]byte, 0, total)
	for _, d := range docs {
		concat = append(concat, d...)
	}
	return DocBatch{IndexID: indexID, ConcatDocs: concat, DocLens: lens}
}

// Docs splits ConcatDocs back into individual payload slices per DocLens.
func (b DocBatch) Docs() [][]byte {
	docs := make([][]byte, 0, len(b.DocLens))
	var offset uint64
	for _, l := range b.DocLens {
		docs = append(docs, b.ConcatDocs[offset:offset+l])
		offset += l
	}
	return docs
}

// IngestRequest carries one or more batches to append to the WAL.
type IngestRequest struct {
	DocBatches []DocBatch
}

// IngestResponse is empty on success; failure is reported as an error.
type IngestResponse struct{}

// FetchRequest asks for records of IndexID strictly after StartAfter (or
// from the beginning of the WAL when StartAfter is nil).
type FetchRequest struct {
	IndexID    string
	StartAfter *uint64
}

// FetchResponse carries the matching records found, if any. FirstPosition
// is nil when no record for IndexID was found.
type FetchResponse struct {
	FirstPosition *uint64
	DocBatch      *DocBatch
}

// TailRequest asks for the most recent batch of records for IndexID.
type TailRequest struct {
	IndexID string
}

// SuggestTruncateRequest records a caller's truncation watermark for
// IndexID: the caller promises it no longer needs records at or before
// UpToPositionIncluded.
type SuggestTruncateRequest struct {
	IndexID              string
	UpToPositionIncluded uint64
}

// SuggestTruncateResponse is always returned on success; truncation itself
// is best-effort and may be partial or deferred.
type SuggestTruncateResponse struct{}

// FetchPayloadLimit bounds the accumulated payload bytes a single Fetch or
// Tail response may carry. Callers must iterate Fetch calls to drain more.
const FetchPayloadLimit = 2 * 1024 * 1024

// commandKind tags which variant a command carries.
type commandKind int

const (
	cmdIngest commandKind = iota
	cmdFetch
	cmdTail
	cmdSuggestTruncate
)

// command is the tagged union of requests that cross the worker's channel,
// paired with a one-shot reply channel.
type command struct {
	kind commandKind

	ingest          IngestRequest
	fetch           FetchRequest
	tail            TailRequest
	suggestTruncate SuggestTruncateRequest

	reply chan reply
}

// reply carries exactly one of the response types plus an error.
type reply struct {
	ingest          IngestResponse
	fetch           FetchResponse
	suggestTruncate SuggestTruncateResponse
	err             error
}
