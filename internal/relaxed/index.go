package relaxed

import (
	"encoding/json"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	vfserrors "github.com/objectfs/sqlitevfs/pkg/errors"
)

// IndexKey is the reserved store key holding the file table.
const IndexKey = "index"

const (
	indexVersion = 1
	blocksPrefix = "blocks/"
)

// index is the persisted file table. Unknown fields are ignored on load.
type index struct {
	Version   int          `json:"version"`
	BlockSize int          `json:"block_size"`
	Files     []indexEntry `json:"files"`
}

type indexEntry struct {
	Path  string `json:"path"`
	Size  int64  `json:"size"`
	Flags uint32 `json:"flags,omitempty"`
}

func decodeIndex(data []byte) (*index, error) {
	var idx index
	if err := json.Unmarshal(data, &idx); err != nil {
		return nil, vfserrors.New(vfserrors.KindIO, "persisted index is unreadable").
			WithComponent("relaxed").WithOperation("load").WithPath(IndexKey).
			WithCause(errors.WithMessage(err, "decode index"))
	}
	return &idx, nil
}

func encodeIndex(blockSize int, files []indexEntry) ([]byte, error) {
	idx := index{
		Version:   indexVersion,
		BlockSize: blockSize,
		Files:     files,
	}
	sort.Slice(idx.Files, func(i, j int) bool { return idx.Files[i].Path < idx.Files[j].Path })
	return json.Marshal(idx)
}

// blockPrefix is the key prefix of every block of path.
func blockPrefix(path string) string {
	return blocksPrefix + url.PathEscape(path) + "/"
}

func blockKey(path string, block int64) string {
	return fmt.Sprintf("%s%016x", blockPrefix(path), block)
}

// parseBlockKey splits a block key into its path and block number.
func parseBlockKey(key string) (string, int64, bool) {
	rest := strings.TrimPrefix(key, blocksPrefix)
	if rest == key {
		return "", 0, false
	}
	slash := strings.LastIndexByte(rest, '/')
	if slash < 0 {
		return "", 0, false
	}
	path, err := url.PathUnescape(rest[:slash])
	if err != nil {
		return "", 0, false
	}
	block, err := strconv.ParseInt(rest[slash+1:], 16, 64)
	if err != nil || block < 0 {
		return "", 0, false
	}
	return path, block, true
}
