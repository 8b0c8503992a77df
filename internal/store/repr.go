package store

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zstd"

	"github.com/giovanni-agra/TelegramObsidianBridge/internal/item"
)

const (
	reprExt       = ".json"
	compressedExt = ".json.zst"
	tmpSuffix     = ".tmp"
)

// errPublished is returned by publish when the target already exists.
var errPublished = stderrors.New("representation already exists")

// codec encodes representations. Archived items are zstd-compressed; every
// other stage is plain indented JSON so the directories stay greppable.
// zstd.Encoder and zstd.Decoder are safe for concurrent EncodeAll/DecodeAll.
type codec struct {
	enc *zstd.Encoder
	dec *zstd.Decoder
}

func newCodec() (*codec, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("create zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		enc.Close()
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}
	return &codec{enc: enc, dec: dec}, nil
}

func (c *codec) close() {
	c.enc.Close()
	c.dec.Close()
}

func (c *codec) encode(it *item.Item) ([]byte, error) {
	data, err := json.MarshalIndent(it, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal item %s: %w", it.ID, err)
	}
	data = append(data, '\n')
	if it.Stage == item.StageArchived {
		return c.enc.EncodeAll(data, nil), nil
	}
	return data, nil
}

func (c *codec) decode(path string) (*item.Item, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if strings.HasSuffix(path, compressedExt) {
		data, err = c.dec.DecodeAll(data, nil)
		if err != nil {
			return nil, fmt.Errorf("decompress %s: %w", path, err)
		}
	}
	var it item.Item
	if err := json.Unmarshal(data, &it); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return &it, nil
}

// reprName is the file name of an item's representation at stage.
func reprName(id string, stage item.Stage) string {
	if stage == item.StageArchived {
		return id + compressedExt
	}
	return id + reprExt
}

// parseReprName extracts the id from a representation file name.
func parseReprName(name string) (string, bool) {
	if strings.HasPrefix(name, ".") || strings.HasSuffix(name, tmpSuffix) {
		return "", false
	}
	for _, ext := range []string{compressedExt, reprExt} {
		if id, ok := strings.CutSuffix(name, ext); ok && id != "" {
			return id, true
		}
	}
	return "", false
}

// writeTemp writes data to a fresh hidden temp file next to path and fsyncs
// it. The caller owns the returned file.
func writeTemp(path string, data []byte) (string, error) {
	suffix := make([]byte, 6)
	if _, err := rand.Read(suffix); err != nil {
		return "", err
	}
	tmp := filepath.Join(filepath.Dir(path), "."+filepath.Base(path)+"."+hex.EncodeToString(suffix)+tmpSuffix)

	file, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		return "", err
	}
	if _, err := file.Write(data); err != nil {
		file.Close()
		os.Remove(tmp)
		return "", err
	}
	if err := file.Sync(); err != nil {
		file.Close()
		os.Remove(tmp)
		return "", err
	}
	if err := file.Close(); err != nil {
		os.Remove(tmp)
		return "", err
	}
	return tmp, nil
}

// writeAtomic replaces path with data: temp file, fsync, rename, directory
// fsync. Readers never see a partial write.
func writeAtomic(path string, data []byte) error {
	tmp, err := writeTemp(path, data)
	if err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return err
	}
	syncDir(filepath.Dir(path))
	return nil
}

// publish creates path with data, failing with errPublished if path exists.
// The hard link makes creation atomic and exclusive at once, which rename
// cannot do.
func publish(path string, data []byte) error {
	tmp, err := writeTemp(path, data)
	if err != nil {
		return err
	}
	defer os.Remove(tmp)

	if err := os.Link(tmp, path); err != nil {
		if stderrors.Is(err, os.ErrExist) {
			return errPublished
		}
		return err
	}
	syncDir(filepath.Dir(path))
	return nil
}

// syncDir makes a rename or link in dir durable (best-effort).
func syncDir(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		return
	}
	_ = d.Sync()
	d.Close()
}
