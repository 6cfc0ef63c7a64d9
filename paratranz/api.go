package paratranz

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"path"
	"strings"

	"github.com/samber/lo"

	"github.com/minios-linux/protoloc/merge"
	"github.com/minios-linux/protoloc/unitfile"
)

// Project is the subset of project metadata the CLI shows.
type Project struct {
	ID     int    `json:"id"`
	Name   string `json:"name"`
	Source string `json:"source"`
	Dest   string `json:"dest"`
}

// File is one remote file.
type File struct {
	ID         int    `json:"id"`
	Name       string `json:"name"`
	Total      int    `json:"total"`
	Translated int    `json:"translated"`
	Checked    int    `json:"checked"`
	ModifiedAt string `json:"modifiedAt"`
}

// RemoteName is the platform file name of a group.
func RemoteName(group string) string {
	return group + unitfile.Ext
}

// Project fetches the project metadata. It doubles as a connection and
// credential check.
func (c *Client) Project(ctx context.Context) (*Project, error) {
	var p Project
	if err := c.getJSON(ctx, c.projectPath(""), &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// Files lists the project's files.
func (c *Client) Files(ctx context.Context) ([]File, error) {
	var files []File
	if err := c.getJSON(ctx, c.projectPath("/files"), &files); err != nil {
		return nil, err
	}
	return files, nil
}

// FindFile looks name up among the project's files. An exact path match
// wins; otherwise the first file with the same base name is returned.
// It returns nil when nothing matches.
func (c *Client) FindFile(ctx context.Context, name string) (*File, error) {
	files, err := c.Files(ctx)
	if err != nil {
		return nil, err
	}
	return matchFile(files, name), nil
}

func matchFile(files []File, name string) *File {
	name = strings.TrimPrefix(name, "/")
	if f, ok := lo.Find(files, func(f File) bool { return strings.TrimPrefix(f.Name, "/") == name }); ok {
		return &f
	}
	// A file uploaded before groups were nested may still sit at the top
	// level under the bare group name.
	base := path.Base(name)
	flat := lo.Filter(files, func(f File, _ int) bool { return strings.TrimPrefix(f.Name, "/") == base })
	if len(flat) == 1 {
		return &flat[0]
	}
	return nil
}

// UploadFile uploads data as the remote file name, updating the existing
// file when one matches and creating it otherwise. It reports whether the
// file was created.
func (c *Client) UploadFile(ctx context.Context, name string, data []byte) (*File, bool, error) {
	existing, err := c.FindFile(ctx, name)
	if err != nil {
		return nil, false, err
	}

	fields := map[string]string{}
	reqPath := c.projectPath("/files")
	if existing != nil {
		reqPath = c.projectPath("/files/%d", existing.ID)
	} else {
		dir := path.Dir(name)
		if dir == "." {
			dir = ""
		}
		fields["path"] = "/" + dir
	}

	body, contentType, err := multipartBody(path.Base(name), data, fields)
	if err != nil {
		return nil, false, err
	}
	resp, err := c.do(ctx, request{method: http.MethodPost, path: reqPath, body: body, contentType: contentType})
	if err != nil {
		return nil, false, err
	}

	f := decodeFile(resp)
	if f == nil {
		f = existing
	}
	if f == nil {
		f = &File{Name: name}
	}
	return f, existing == nil, nil
}

// decodeFile accepts both {"file": {...}} and a bare file object.
func decodeFile(data []byte) *File {
	var wrapped struct {
		File *File `json:"file"`
	}
	if json.Unmarshal(data, &wrapped) == nil && wrapped.File != nil && wrapped.File.ID != 0 {
		return wrapped.File
	}
	var f File
	if json.Unmarshal(data, &f) == nil && f.ID != 0 {
		return &f
	}
	return nil
}

func multipartBody(filename string, data []byte, fields map[string]string) ([]byte, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	for k, v := range fields {
		if err := w.WriteField(k, v); err != nil {
			return nil, "", err
		}
	}
	part, err := w.CreateFormFile("file", filename)
	if err != nil {
		return nil, "", err
	}
	if _, err := part.Write(data); err != nil {
		return nil, "", err
	}
	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return buf.Bytes(), w.FormDataContentType(), nil
}

// Translation downloads the translation records of one file.
func (c *Client) Translation(ctx context.Context, fileID int) ([]merge.Record, error) {
	var records []merge.Record
	if err := c.getJSON(ctx, c.projectPath("/files/%d/translation", fileID), &records); err != nil {
		return nil, err
	}
	return records, nil
}

// TriggerExport asks the platform to rebuild the project artifact. Only
// project administrators may do this; callers usually treat a 403 as a
// warning and download the previous artifact.
func (c *Client) TriggerExport(ctx context.Context) error {
	_, err := c.do(ctx, request{method: http.MethodPost, path: c.projectPath("/artifacts")})
	return err
}

// DownloadArtifacts downloads the latest project artifact and returns the
// records of every JSON file in it, keyed by group. When the archive has a
// utf8/ folder only that folder is read.
func (c *Client) DownloadArtifacts(ctx context.Context) (map[string][]merge.Record, error) {
	data, err := c.do(ctx, request{
		method: http.MethodGet,
		path:   c.projectPath("/artifacts/download"),
		accept: "application/zip, application/octet-stream",
	})
	if err != nil {
		return nil, err
	}
	return ReadArtifact(data)
}

// ReadArtifact parses a project artifact archive.
func ReadArtifact(data []byte) (map[string][]merge.Record, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("reading artifact: %w", err)
	}

	entries := lo.Filter(zr.File, func(f *zip.File, _ int) bool {
		return !f.FileInfo().IsDir() && path.Ext(f.Name) == unitfile.Ext
	})
	if lo.ContainsBy(entries, func(f *zip.File) bool { return strings.HasPrefix(f.Name, "utf8/") }) {
		entries = lo.Filter(entries, func(f *zip.File, _ int) bool { return strings.HasPrefix(f.Name, "utf8/") })
	}

	out := make(map[string][]merge.Record, len(entries))
	for _, f := range entries {
		name := strings.TrimPrefix(f.Name, "utf8/")
		group := unitfile.GroupFromFile(name)
		records, err := readEntry(f)
		if err != nil {
			return nil, fmt.Errorf("artifact entry %s: %w", f.Name, err)
		}
		out[group] = records
	}
	return out, nil
}

func readEntry(f *zip.File) ([]merge.Record, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	data, err := io.ReadAll(io.LimitReader(rc, maxResponse))
	if err != nil {
		return nil, err
	}
	return unitfile.ParseRecords(data)
}
