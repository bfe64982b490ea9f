package types

// FilePosition tracks the current read position in a tailed file, keyed by
// inode so rotation (truncate-and-recreate) is detectable independent of
// path.
type FilePosition struct {
	Path   string `json:"path"`
	Offset int64  `json:"offset"`
	Inode  uint64 `json:"inode"`
}
