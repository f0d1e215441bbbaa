package main

import (
	"bytes"
	"io"
	"net/http"
	"net/url"
	"strings"

	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
)

// scopedPath narrows a list or register path with the optional application,
// service and partition segments. Empty segments end the path.
func scopedPath(base, application, service, partition string) string {
	for _, seg := range []string{application, service, partition} {
		if seg == "" {
			break
		}
		base += "/" + url.PathEscape(seg)
	}
	return base
}

func apiGet(opts *globalOptions, path string, out interface{}) error {
	client := &http.Client{Timeout: opts.Timeout}

	resp, err := client.Get(opts.Endpoint + path)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	return decodeResponse(resp, out)
}

func apiPost(opts *globalOptions, path string, body, out interface{}) error {
	payload, err := jsoniter.Marshal(body)
	if err != nil {
		return err
	}

	client := &http.Client{Timeout: opts.Timeout}
	resp, err := client.Post(opts.Endpoint+path, "application/json", bytes.NewReader(payload))
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	return decodeResponse(resp, out)
}

func decodeResponse(resp *http.Response, out interface{}) error {
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return errors.Errorf("%s: %s", resp.Status, strings.TrimSpace(string(msg)))
	}
	return jsoniter.NewDecoder(resp.Body).Decode(out)
}
