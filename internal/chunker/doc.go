// Package chunker divides document text into overlapping windows for
// embedding and search.
//
// Windows are measured in characters (runes). A window that would end in the
// middle of a word is pulled back to the last whitespace, and consecutive
// windows share Overlap characters so sentences cut at a boundary still
// appear whole in one of them.
//
// # Basic Usage
//
//	c := chunker.New(chunker.Options{Size: 800, Overlap: 80})
//	for _, piece := range c.Chunk(text) {
//	    fmt.Printf("chunk %d (%s): %d runes\n", piece.Ordinal, piece.Role, len([]rune(piece.Text)))
//	}
//
// # Hierarchical Mode
//
// With ParentGroup > 0, every ParentGroup consecutive windows are grouped
// under a parent chunk whose text spans the group. Parents precede their
// children in ordinal order, and each child records its parent's ordinal so
// the caller can link them after insertion:
//
//	c := chunker.New(chunker.Options{Size: 800, Overlap: 80, ParentGroup: 4})
//	pieces := c.Chunk(text)
//	// pieces[0].Role == types.RoleParent
//	// pieces[1].ParentOrdinal == &pieces[0].Ordinal
package chunker
