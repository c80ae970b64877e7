package chunker

import "fmt"

// Defaults match the document ingestion path: 800-char windows with a
// 100-char overlap between consecutive windows.
const (
	DefaultChunkSize = 800
	DefaultOverlap   = 100
)

// Chunk splits text into fixed-size windows where each window after the
// first starts overlap characters before the previous window's end. Window i
// starts at i*(chunkSize-overlap). The final window may be shorter than
// chunkSize. Dropping the last overlap characters of every non-final window
// and concatenating reconstructs the input exactly.
func Chunk(text string, chunkSize, overlap int) ([]string, error) {
	if chunkSize <= 0 {
		return nil, fmt.Errorf("chunk size must be positive, got %d", chunkSize)
	}
	if overlap < 0 {
		return nil, fmt.Errorf("overlap must be non-negative, got %d", overlap)
	}
	if overlap >= chunkSize {
		// A window that does not advance would loop forever.
		return nil, fmt.Errorf("overlap (%d) must be smaller than chunk size (%d)", overlap, chunkSize)
	}

	if len(text) == 0 {
		return nil, nil
	}

	step := chunkSize - overlap
	var chunks []string
	for start := 0; start < len(text); start += step {
		end := start + chunkSize
		if end > len(text) {
			end = len(text)
		}
		chunks = append(chunks, text[start:end])
		if end == len(text) {
			break
		}
	}
	return chunks, nil
}

// ChunkDefault applies the standard window and overlap sizes.
func ChunkDefault(text string) ([]string, error) {
	return Chunk(text, DefaultChunkSize, DefaultOverlap)
}
