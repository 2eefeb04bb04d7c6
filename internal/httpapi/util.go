package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
)

var errBodyTooLarge = errors.New("request body too large")

// writeJSON 快照与事件都是实时数据，禁止中间层缓存
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// readBodyJSON 空 body 视为缺省参数；超过 maxBytes 直接拒绝而不是截断
func readBodyJSON(r *http.Request, maxBytes int64, out any) error {
	if r.Body == nil {
		return nil
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBytes+1))
	if err != nil {
		return err
	}
	if int64(len(body)) > maxBytes {
		return errBodyTooLarge
	}
	if len(body) == 0 {
		return nil
	}
	return json.Unmarshal(body, out)
}
