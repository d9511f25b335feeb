package archive

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"os"
	"strconv"

	"atlas/pkg/apperror"
)

func jsonBody(v any) *bytes.Reader {
	data, _ := json.Marshal(v)
	return bytes.NewReader(data)
}

func decode(resp *http.Response, v any) error {
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return apperror.Wrap(err, apperror.CodeTransientHTTP, "read response body")
	}

	if resp.StatusCode >= 400 {
		var env struct {
			Error   string         `json:"error"`
			Details map[string]any `json:"details"`
		}
		_ = json.Unmarshal(data, &env)
		appErr := apperror.New(statusCode(resp.StatusCode), env.Error)
		for k, v := range env.Details {
			appErr = appErr.WithDetails(k, v)
		}
		return appErr
	}

	if v == nil || len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, v)
}

func statusCode(status int) apperror.ErrorCode {
	switch status {
	case http.StatusNotFound:
		return apperror.CodeNotFound
	case http.StatusUnauthorized:
		return apperror.CodeAuthLapsed
	case http.StatusTooManyRequests, http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return apperror.CodeTransientHTTP
	default:
		return apperror.CodeInvalidArgument
	}
}

func buildMultipart(filename string, content []byte, fields map[string]string) (*bytes.Reader, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	part, err := w.CreateFormFile("file", filename)
	if err != nil {
		return nil, "", apperror.Wrap(err, apperror.CodeInternal, "create multipart file part")
	}
	if _, err := part.Write(content); err != nil {
		return nil, "", apperror.Wrap(err, apperror.CodeInternal, "write multipart file content")
	}

	for k, v := range fields {
		if err := w.WriteField(k, v); err != nil {
			return nil, "", apperror.Wrap(err, apperror.CodeInternal, "write multipart field")
		}
	}

	if err := w.Close(); err != nil {
		return nil, "", apperror.Wrap(err, apperror.CodeInternal, "close multipart writer")
	}

	return bytes.NewReader(buf.Bytes()), w.FormDataContentType(), nil
}

func mergeExtras(a, b map[string]string) map[string]string {
	out := map[string]string{}
	for k, v := range a {
		out[k] = v
	}
	for k, v := range b {
		out[k] = v
	}
	return out
}

func resolveFilenameFromHeaders(resp *http.Response, fallbackID int64) string {
	if cd := resp.Header.Get("Content-Disposition"); cd != "" {
		if _, params, err := mime.ParseMediaType(cd); err == nil {
			if name, ok := params["filename"]; ok && name != "" {
				return name
			}
		}
	}
	return fmt.Sprintf("document_%d", fallbackID)
}

// uniquePath appends "_1", "_2", ... before the extension until it finds a
// path that does not already exist.
func uniquePath(path string) string {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return path
	}
	ext := ""
	base := path
	if idx := lastDot(path); idx >= 0 {
		ext = path[idx:]
		base = path[:idx]
	}
	for i := 1; ; i++ {
		candidate := base + "_" + strconv.Itoa(i) + ext
		if _, err := os.Stat(candidate); os.IsNotExist(err) {
			return candidate
		}
	}
}

func lastDot(s string) int {
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == '.' {
			return i
		}
		if s[i] == '/' || s[i] == '\\' {
			return -1
		}
	}
	return -1
}

// downloadChunkSize matches the original client's iter_content(chunk_size=8192).
const downloadChunkSize = 8 * 1024

func copyBody(dst io.Writer, resp *http.Response) (int64, error) {
	return io.CopyBuffer(dst, resp.Body, make([]byte, downloadChunkSize))
}
