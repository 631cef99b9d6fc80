package weights

import (
	"bufio"
	"fmt"
	"io"
	"os"

	"github.com/fxamacker/cbor/v2"
	"github.com/rs/zerolog/log"

	"github.com/23skdu/longbow-weft/internal/cache"
)

// FileVersion is written into every weight file.
const FileVersion = 1

// File is the CBOR weight file: a version and a name -> blob map.
type File struct {
	Version int                   `cbor:"version"`
	Tensors map[string]cache.Blob `cbor:"tensors"`
}

// Write encodes every blob in s.
func Write(w io.Writer, s cache.Store) error {
	f := File{Version: FileVersion, Tensors: make(map[string]cache.Blob, s.Size())}
	for _, name := range s.Names() {
		b, _ := s.Get(name)
		f.Tensors[name] = b
	}
	enc, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		return err
	}
	return enc.NewEncoder(w).Encode(f)
}

// Read decodes a weight file into a new store.
func Read(r io.Reader) (*cache.MapStore, error) {
	var f File
	if err := cbor.NewDecoder(r).Decode(&f); err != nil {
		return nil, fmt.Errorf("decode weights: %w", err)
	}
	if f.Version != FileVersion {
		return nil, fmt.Errorf("weight file version %d, want %d", f.Version, FileVersion)
	}
	s := cache.NewMapStore()
	for name, b := range f.Tensors {
		s.Put(name, b)
	}
	return s, nil
}

func SaveFile(path string, s cache.Store) error {
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(file)
	if err := Write(w, s); err != nil {
		file.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := w.Flush(); err != nil {
		file.Close()
		return err
	}
	log.Debug().Str("path", path).Int("tensors", s.Size()).Msg("weights saved")
	return file.Close()
}

func LoadFile(path string) (*cache.MapStore, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := file.Close(); err != nil {
			log.Warn().Err(err).Str("path", path).Msg("closing weight file")
		}
	}()
	s, err := Read(bufio.NewReader(file))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	log.Debug().Str("path", path).Int("tensors", s.Size()).Msg("weights loaded")
	return s, nil
}
