// Package batch implements the two standalone filesystem utilities spec
// §4.9 names alongside the interpreter: finding account files in folder
// B that duplicate ones already in folder A, and packaging a run's
// output into a zip for download.
package batch

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// Duplicate is one match found by Find: fileB's name and the name of
// the file in folder A it byte-for-byte matches.
type Duplicate struct {
	FileBName       string
	MatchesWithName string
}

// Result is the outcome of one Find call.
type Result struct {
	Duplicates   []Duplicate
	RemovedCount int
}

// Find hashes every file directly under folderA and folderB (SHA-256
// over raw bytes) and reports every folderB file whose content matches
// some folderA file. If dryRun is false, matching folderB files are
// deleted.
func Find(folderA, folderB string, dryRun bool) (*Result, error) {
	hashesA, err := hashFolder(folderA)
	if err != nil {
		return nil, fmt.Errorf("hash folder A: %w", err)
	}

	entries, err := os.ReadDir(folderB)
	if err != nil {
		return nil, fmt.Errorf("read folder B: %w", err)
	}

	res := &Result{}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		path := filepath.Join(folderB, entry.Name())
		hash, err := hashFile(path)
		if err != nil {
			return nil, fmt.Errorf("hash %s: %w", path, err)
		}
		nameA, ok := hashesA[hash]
		if !ok {
			continue
		}
		res.Duplicates = append(res.Duplicates, Duplicate{FileBName: entry.Name(), MatchesWithName: nameA})

		if !dryRun {
			if err := os.Remove(path); err != nil {
				return nil, fmt.Errorf("remove duplicate %s: %w", path, err)
			}
			res.RemovedCount++
		}
	}

	return res, nil
}

func hashFolder(dir string) (map[string]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	hashes := make(map[string]string, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		hash, err := hashFile(path)
		if err != nil {
			return nil, err
		}
		hashes[hash] = entry.Name()
	}
	return hashes, nil
}

func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
