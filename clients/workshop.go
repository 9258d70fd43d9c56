package clients

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
)

// --- Training workshop (/recordings, /models) ---

type UploadResp struct {
	ID       string `json:"id"`
	Received int    `json:"received"`
}

// UploadRecording posts the files of a recording session directory as
// one multipart form. Missing files are skipped; at least one must exist.
func (h *HTTP) UploadRecording(ctx context.Context, base, sessionID string, paths ...string) (*UploadResp, error) {
	var b bytes.Buffer
	w := multipart.NewWriter(&b)
	if err := w.WriteField("session_id", sessionID); err != nil {
		return nil, err
	}
	attached := 0
	for _, p := range paths {
		fd, err := os.Open(p)
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, err
		}
		fw, err := w.CreateFormFile("files", filepath.Base(p))
		if err == nil {
			_, err = io.Copy(fw, fd)
		}
		fd.Close()
		if err != nil {
			return nil, err
		}
		attached++
	}
	if attached == 0 {
		return nil, fmt.Errorf("upload: nothing to send for session %s", sessionID)
	}
	if err := w.Close(); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+"/recordings", &b)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", w.FormDataContentType())

	resp, err := h.c.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return nil, statusError("upload", resp)
	}
	var out UploadResp
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("upload decode: %w", err)
	}
	return &out, nil
}

// FetchModel downloads the latest artifact trained for subject into dir
// and returns its path. The file is written atomically.
func (h *HTTP) FetchModel(ctx context.Context, base, subject, dir string) (string, error) {
	if subject == "" {
		return "", errors.New("fetch model: no subject")
	}
	u := base + "/models/" + url.PathEscape(subject) + "/latest"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Accept", "application/yaml")

	resp, err := h.c.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", statusError("fetch model", resp)
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	tmp, err := os.CreateTemp(dir, ".model-*")
	if err != nil {
		return "", err
	}
	defer os.Remove(tmp.Name())
	if _, err := io.Copy(tmp, resp.Body); err != nil {
		tmp.Close()
		return "", fmt.Errorf("fetch model: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", err
	}
	dst := filepath.Join(dir, subject+".yaml")
	if err := os.Rename(tmp.Name(), dst); err != nil {
		return "", err
	}
	return dst, nil
}
