// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package remapsave

import (
	"bufio"
	"os"

	"git.lukeshu.com/go/lowmemjson"
)

// WriteJSONFile writes obj as indented JSON.  It is used for the
// documents whose format is ours to choose (the plan and the job
// metadata); the extent save-files keep the fixed text format for
// compatibility with other consumers of the job directory.
func WriteJSONFile(path string, obj any) (err error) {
	fh, err := os.Create(path)
	if err != nil {
		return err
	}
	defer func() {
		if _err := fh.Close(); err == nil && _err != nil {
			err = _err
		}
	}()
	buffer := bufio.NewWriter(fh)
	re := lowmemjson.NewReEncoder(buffer, lowmemjson.ReEncoderConfig{
		Indent:                "\t",
		ForceTrailingNewlines: true,
	})
	if err := lowmemjson.NewEncoder(re).Encode(obj); err != nil {
		return err
	}
	if err := buffer.Flush(); err != nil {
		return err
	}
	return fh.Sync()
}

func ReadJSONFile[T any](path string) (T, error) {
	fh, err := os.Open(path)
	if err != nil {
		var zero T
		return zero, err
	}
	defer func() {
		_ = fh.Close()
	}()
	var ret T
	if err := lowmemjson.NewDecoder(bufio.NewReader(fh)).DecodeThenEOF(&ret); err != nil {
		var zero T
		return zero, err
	}
	return ret, nil
}
