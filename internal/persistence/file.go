// Package persistence writes archival records of completed tests to disk.
package persistence

import (
	"encoding/json"
	"os"
	"path"
	"time"
)

// DataFile describes an archival file written to disk.
type DataFile struct {
	// Prefix is the base data directory.
	Prefix string
	// Datatype is the kind of data stored in the file.
	Datatype string
	// Subtest is the role or direction of the test.
	Subtest string
	// UUID identifies the test the file belongs to.
	UUID string
	// Path is the full path of the file.
	Path string
	// Size is the number of bytes written.
	Size int
}

// WriteDataFile marshals result as JSON and writes it to a new file named
// <datadir>/<datatype>/YYYY/MM/DD/<datatype>-<subtest>-<timestamp>.<uuid>.json.
// Existing files are never overwritten.
func WriteDataFile(datadir, datatype, subtest, uuid string, result interface{}) (*DataFile, error) {
	data, err := json.Marshal(result)
	if err != nil {
		return nil, err
	}
	timestamp := time.Now().UTC()
	dir := path.Join(datadir, datatype, timestamp.Format("2006/01/02"))
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}
	filepath := path.Join(dir, datatype+"-"+subtest+"-"+
		timestamp.Format("20060102T150405.000000000Z")+"."+uuid+".json")
	fp, err := os.OpenFile(filepath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return nil, err
	}
	n, err := fp.Write(data)
	if err != nil {
		fp.Close()
		return nil, err
	}
	if err := fp.Close(); err != nil {
		return nil, err
	}
	return &DataFile{
		Prefix:   datadir,
		Datatype: datatype,
		Subtest:  subtest,
		UUID:     uuid,
		Path:     filepath,
		Size:     n,
	}, nil
}
