package source

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"os"

	"github.com/ehr/ehr-etl/internal/etlerr"
)

// DocumentAdapter streams elements out of a JSON document whose top level is
// either an array or an object holding the array under Dataset.Root.
type DocumentAdapter struct {
	Dir string
}

func (a *DocumentAdapter) Open(ctx context.Context, ds Dataset) (Reader, error) {
	path := resolve(a.Dir, ds.Path)
	if err := ctx.Err(); err != nil {
		return nil, &etlerr.FatalSourceError{Dataset: ds.Name, Path: path, Err: err}
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, &etlerr.FatalSourceError{Dataset: ds.Name, Path: path, Err: err}
	}

	dec := json.NewDecoder(bufio.NewReader(f))
	if err := seekArray(dec, ds.Root); err != nil {
		f.Close()
		return nil, &etlerr.FatalSourceError{Dataset: ds.Name, Path: path, Err: err}
	}
	return &documentReader{ds: ds, file: f, dec: dec}, nil
}

// seekArray advances dec to just past the opening bracket of the element
// array.
func seekArray(dec *json.Decoder, root string) error {
	tok, err := dec.Token()
	if err != nil {
		return fmt.Errorf("read document start: %w", err)
	}
	switch tok {
	case json.Delim('['):
		return nil
	case json.Delim('{'):
	default:
		return fmt.Errorf("document must start with an array or object, got %v", tok)
	}
	if root == "" {
		return fmt.Errorf("document is an object but no root key is configured")
	}
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return fmt.Errorf("read object key: %w", err)
		}
		key, _ := keyTok.(string)
		if key != root {
			var skip json.RawMessage
			if err := dec.Decode(&skip); err != nil {
				return fmt.Errorf("skip %q: %w", key, err)
			}
			continue
		}
		tok, err := dec.Token()
		if err != nil {
			return fmt.Errorf("read %q: %w", root, err)
		}
		if tok != json.Delim('[') {
			return fmt.Errorf("%q is not an array", root)
		}
		return nil
	}
	return fmt.Errorf("root key %q not found", root)
}

type documentReader struct {
	ds   Dataset
	file *os.File
	dec  *json.Decoder
}

func (d *documentReader) Records(ctx context.Context) iter.Seq[Record] {
	return func(yield func(Record) bool) {
		origin := func(offset int) Origin {
			return Origin{Kind: KindDocument, System: d.ds.System, Dataset: d.ds.Name, Entity: d.ds.Entity, Offset: offset}
		}
		placeholder := func(offset int, reason string) *DocumentRecord {
			return &DocumentRecord{
				origin: origin(offset),
				err:    &etlerr.DecodeError{Dataset: d.ds.Name, Offset: offset, Reason: reason},
			}
		}

		for offset := 1; d.dec.More(); offset++ {
			if ctx.Err() != nil {
				return
			}
			var raw json.RawMessage
			if err := d.dec.Decode(&raw); err != nil {
				// The stream cannot be resynchronised after a syntax error.
				yield(placeholder(offset, err.Error()))
				return
			}
			inner := json.NewDecoder(bytes.NewReader(raw))
			inner.UseNumber()
			var doc map[string]any
			if err := inner.Decode(&doc); err != nil || doc == nil {
				if !yield(placeholder(offset, "element is not an object")) {
					return
				}
				continue
			}
			if !yield(&DocumentRecord{origin: origin(offset), doc: doc}) {
				return
			}
		}
	}
}

func (d *documentReader) Close() error {
	return d.file.Close()
}
