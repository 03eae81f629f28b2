package source

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"iter"
	"os"
	"strings"

	"github.com/ehr/ehr-etl/internal/etlerr"
)

// TabularAdapter reads delimited text files with a header row.
type TabularAdapter struct {
	Dir string
}

func (a *TabularAdapter) Open(ctx context.Context, ds Dataset) (Reader, error) {
	path := resolve(a.Dir, ds.Path)
	if err := ctx.Err(); err != nil {
		return nil, &etlerr.FatalSourceError{Dataset: ds.Name, Path: path, Err: err}
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, &etlerr.FatalSourceError{Dataset: ds.Name, Path: path, Err: err}
	}

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	header, err := r.Read()
	if err != nil {
		f.Close()
		if errors.Is(err, io.EOF) {
			err = fmt.Errorf("missing header row")
		}
		return nil, &etlerr.FatalSourceError{Dataset: ds.Name, Path: path, Err: err}
	}
	for i := range header {
		header[i] = strings.TrimSpace(strings.TrimPrefix(header[i], "\ufeff"))
	}
	return &tabularReader{ds: ds, file: f, csv: r, header: header}, nil
}

type tabularReader struct {
	ds     Dataset
	file   *os.File
	csv    *csv.Reader
	header []string
}

func (t *tabularReader) origin(offset int) Origin {
	return Origin{Kind: KindTabular, System: t.ds.System, Dataset: t.ds.Name, Entity: t.ds.Entity, Offset: offset}
}

func (t *tabularReader) placeholder(offset int, reason string) *TabularRecord {
	return &TabularRecord{
		origin: t.origin(offset),
		err:    &etlerr.DecodeError{Dataset: t.ds.Name, Offset: offset, Reason: reason},
	}
}

func (t *tabularReader) Records(ctx context.Context) iter.Seq[Record] {
	return func(yield func(Record) bool) {
		for offset := 1; ; offset++ {
			if ctx.Err() != nil {
				return
			}
			row, err := t.csv.Read()
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				var pe *csv.ParseError
				if !errors.As(err, &pe) {
					yield(t.placeholder(offset, err.Error()))
					return
				}
				if !yield(t.placeholder(offset, pe.Err.Error())) {
					return
				}
				continue
			}
			if len(row) != len(t.header) {
				reason := fmt.Sprintf("expected %d fields, got %d", len(t.header), len(row))
				if !yield(t.placeholder(offset, reason)) {
					return
				}
				continue
			}
			values := make(map[string]string, len(row))
			for i, col := range t.header {
				values[col] = row[i]
			}
			if !yield(&TabularRecord{origin: t.origin(offset), values: values}) {
				return
			}
		}
	}
}

func (t *tabularReader) Close() error {
	return t.file.Close()
}
