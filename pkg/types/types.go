package types

// PeerAddr identifies a replication participant by its "host:port" address.
type PeerAddr string

// NoPeer is the zero address, used when no master is known.
const NoPeer PeerAddr = ""

func (a PeerAddr) IsZero() bool {
	return a == NoPeer
}

func (a PeerAddr) String() string {
	if a == NoPeer {
		return "<none>"
	}
	return string(a)
}

// FileInfo describes one file of the on-disk state offered for a full state transfer.
type FileInfo struct {
	Name string `json:"name"`
	Size int64  `json:"size"`
}

// Manifest is the master's answer to a load request.
type Manifest struct {
	Files     []FileInfo `json:"files"`
	ChunkSize int64      `json:"chunk_size"`
	Latest    LSN        `json:"latest"`
}

// Chunk is a byte range [Begin, End) of a transferred file.
type Chunk struct {
	File  string `json:"file"`
	Begin int64  `json:"begin"`
	End   int64  `json:"end"`
}

// Chunks splits every file of the manifest into pieces of at most ChunkSize bytes.
// Empty files yield a single empty chunk so that they are recreated on the receiver.
func (m Manifest) Chunks() []Chunk {
	var res []Chunk
	for _, f := range m.Files {
		if f.Size == 0 || m.ChunkSize <= 0 {
			res = append(res, Chunk{File: f.Name, Begin: 0, End: f.Size})
			continue
		}
		for begin := int64(0); begin < f.Size; begin += m.ChunkSize {
			end := begin + m.ChunkSize
			if end > f.Size {
				end = f.Size
			}
			res = append(res, Chunk{File: f.Name, Begin: begin, End: end})
		}
	}
	return res
}
