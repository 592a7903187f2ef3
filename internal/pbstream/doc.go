// Package pbstream decodes the raw export format of the EPICS Archiver Appliance.
//
// A raw response is a sequence of lines separated by 0x0A. The first line is a
// JSON header naming the PV, its value type, the year the samples belong to and
// the waveform element count. Every following line is one protobuf-encoded
// sample whose reserved bytes (0x1B, 0x0A, 0x0D) have been escaped so that they
// never collide with the line separator.
//
// # Pipeline
//
//	raw bytes
//	  → SplitLines / DecodeLine   (per line un-escaping)
//	  → ParseHeader               (line 0)
//	  → DecodeSample              (lines 1..n, dispatched on the header value type)
//	  → ToAbsolute                (year + seconds into year + nanos → UTC instant)
//	  → Series                    (time-ordered samples plus diagnostics)
//
// Header failures abort the decode. Sample failures never do: the offending
// line is skipped and counted in [Diagnostics], so a caller always gets every
// sample that could be decoded.
//
// # Chunks
//
// The archiver concatenates one chunk per partition. Chunks are separated by an
// empty line, and a JSON line immediately following the separator starts a new
// chunk. A chunk for the same PV and type only moves the year forward; a chunk
// with a different type is skipped as a whole.
//
// Decoding is synchronous and holds no shared state; a [Decoder] may be used
// from any number of goroutines.
package pbstream
