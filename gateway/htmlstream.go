package gateway

import (
	"sort"
	"strings"
)

// htmlBuffer reassembles chunked tab HTML for one in-flight get_html
// request. Chunks may arrive permuted; assembly orders them by
// chunk_index. The buffer lives only as long as its pending entry, so
// the request timeout bounds its size in time.
type htmlBuffer struct {
	chunks   map[int]string
	expected int // Total chunk count when announced; -1 until known.
}

func newHTMLBuffer() *htmlBuffer {
	return &htmlBuffer{chunks: make(map[int]string), expected: -1}
}

func (b *htmlBuffer) add(index int, data string, total *int) {
	if index < 0 {
		return
	}
	b.chunks[index] = data
	if total != nil && *total > 0 {
		b.expected = *total
	}
}

// count returns the number of distinct chunks received.
func (b *htmlBuffer) count() int {
	return len(b.chunks)
}

// assemble concatenates the received chunks in index order.
func (b *htmlBuffer) assemble() string {
	if len(b.chunks) == 0 {
		return ""
	}
	idx := make([]int, 0, len(b.chunks))
	for i := range b.chunks {
		idx = append(idx, i)
	}
	sort.Ints(idx)
	var sb strings.Builder
	for _, i := range idx {
		sb.WriteString(b.chunks[i])
	}
	return sb.String()
}
