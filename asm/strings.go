package asm

import (
	"github.com/gmofishsauce/tpef/refmgr"
	"github.com/gmofishsauce/tpef/tpef"
)

// strChunkRef interns name into strSec's string table and returns a
// SafeReference to the resulting Chunk, the same pattern
// tpef/reader/aoutimport uses for every NameChunk field.
func strChunkRef(b *tpef.Binary, strSec *tpef.Section, name string) *refmgr.SafeReference {
	return b.Mgr.CreateForTarget(strSec.StringToChunk(name))
}
