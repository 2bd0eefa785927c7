package index

import "strings"

const (
	// fragmentTarget is the preferred fragment length in bytes. Fragments break
	// on paragraph boundaries where possible so snippets read cleanly.
	fragmentTarget = 1200
	fragmentMax    = 2000
)

// ChunkText splits text into indexable fragments. Paragraphs are packed up to
// fragmentTarget; a single oversized paragraph is hard-split at fragmentMax.
func ChunkText(text string) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}

	var fragments []string
	var buf strings.Builder
	for _, para := range strings.Split(text, "\n\n") {
		para = strings.TrimSpace(para)
		if para == "" {
			continue
		}
		for len(para) > fragmentMax {
			cut := strings.LastIndexByte(para[:fragmentMax], ' ')
			if cut < fragmentMax/2 {
				cut = fragmentMax
			}
			fragments = append(fragments, flush(&buf)+para[:cut])
			para = strings.TrimSpace(para[cut:])
		}
		if buf.Len() > 0 && buf.Len()+len(para) > fragmentTarget {
			fragments = append(fragments, strings.TrimSpace(buf.String()))
			buf.Reset()
		}
		if buf.Len() > 0 {
			buf.WriteString("\n\n")
		}
		buf.WriteString(para)
	}
	if s := strings.TrimSpace(buf.String()); s != "" {
		fragments = append(fragments, s)
	}
	return fragments
}

func flush(buf *strings.Builder) string {
	if buf.Len() == 0 {
		return ""
	}
	s := strings.TrimSpace(buf.String()) + "\n\n"
	buf.Reset()
	return s
}
