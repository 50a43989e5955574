package bridge

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"

	"github.com/kaikybrofc/omnizap-relay/internal/protocol"
)

var (
	errEmptyMediaPath    = errors.New("media path is empty")
	errAbsoluteMediaPath = errors.New("absolute media paths are not allowed")
	errUnsafeMediaPath   = errors.New("media path contains unsafe segments")
)

// ResolveMediaPath validates a fetch_media path. Only relative paths made
// of plain segments are accepted: absolute URLs and absolute paths are
// rejected outright (no cross-origin fetch is ever attempted), and any
// empty, "." or ".." segment rejects the whole path, so traversal is
// impossible by construction.
func ResolveMediaPath(raw string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", errEmptyMediaPath
	}
	if strings.Contains(trimmed, "://") || strings.HasPrefix(trimmed, "//") || strings.HasPrefix(trimmed, "/") {
		return "", errAbsoluteMediaPath
	}

	segments := strings.Split(trimmed, "/")
	for _, segment := range segments {
		if segment == "" || segment == "." || segment == ".." {
			return "", errUnsafeMediaPath
		}
	}
	return strings.Join(segments, "/"), nil
}

type fetchMediaPayload struct {
	Path      string `json:"path"`
	RequestID string `json:"request_id"`
}

// handleFetchMedia fetches a bounded local resource and replies with a
// media_response correlated by request_id. Oversized or failed fetches
// reply {ok:false, error} instead of partial data.
func (s *session) handleFetchMedia(ctx context.Context, raw json.RawMessage) {
	var payload fetchMediaPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		log.Printf("fetch_media payload not decoded: %v", err)
		return
	}

	mediaPath, err := ResolveMediaPath(payload.Path)
	if err != nil {
		s.sendMediaError(payload.RequestID, err.Error())
		return
	}

	contentType, data, err := s.fetchMedia(ctx, mediaPath)
	if err != nil {
		s.sendMediaError(payload.RequestID, err.Error())
		return
	}

	if err := s.send(map[string]any{
		"type":         protocol.TypeMediaResponse,
		"request_id":   payload.RequestID,
		"ok":           true,
		"path":         mediaPath,
		"content_type": contentType,
		"size":         len(data),
		"data":         base64.StdEncoding.EncodeToString(data),
	}); err != nil {
		log.Printf("media_response for %s not sent: %v", payload.RequestID, err)
	}
}

func (s *session) fetchMedia(ctx context.Context, mediaPath string) (string, []byte, error) {
	cfg := s.agent.cfg

	requestCtx := ctx
	if cfg.FetchTimeout > 0 {
		var cancel context.CancelFunc
		requestCtx, cancel = context.WithTimeout(ctx, cfg.FetchTimeout)
		defer cancel()
	}

	url := cfg.LocalBaseURL + "/" + mediaPath
	request, err := http.NewRequestWithContext(requestCtx, http.MethodGet, url, nil)
	if err != nil {
		return "", nil, err
	}

	response, err := s.agent.httpClient.Do(request)
	if err != nil {
		return "", nil, err
	}
	defer response.Body.Close()

	if response.StatusCode < 200 || response.StatusCode > 299 {
		return "", nil, fmt.Errorf("fetch %s failed (%d)", mediaPath, response.StatusCode)
	}

	// Read one byte past the cap to tell "exactly at the limit" apart
	// from "over it".
	data, err := io.ReadAll(io.LimitReader(response.Body, cfg.MediaMaxBytes+1))
	if err != nil {
		return "", nil, fmt.Errorf("read %s: %w", mediaPath, err)
	}
	if int64(len(data)) > cfg.MediaMaxBytes {
		return "", nil, fmt.Errorf("resource %s exceeds %d bytes", mediaPath, cfg.MediaMaxBytes)
	}

	return response.Header.Get("Content-Type"), data, nil
}

func (s *session) sendMediaError(requestID string, message string) {
	if err := s.send(map[string]any{
		"type":       protocol.TypeMediaResponse,
		"request_id": requestID,
		"ok":         false,
		"error":      message,
	}); err != nil {
		log.Printf("media error reply for %s not sent: %v", requestID, err)
	}
}
