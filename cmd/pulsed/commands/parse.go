package commands

import (
	"bufio"
	"encoding/json"
	"io"
	"os"
	"strings"
	"time"

	"github.com/teranos/pulsed/errors"
	"github.com/teranos/pulsed/internal/util"
	"github.com/teranos/pulsed/pulse/async"
)

// readPayload accepts inline JSON or @path. An empty string is no payload.
func readPayload(s string) (json.RawMessage, error) {
	if s == "" {
		return nil, nil
	}
	data := []byte(s)
	if strings.HasPrefix(s, "@") {
		var err error
		data, err = os.ReadFile(s[1:])
		if err != nil {
			return nil, errors.Wrapf(err, "failed to read payload file %s", s[1:])
		}
	}
	if !json.Valid(data) {
		return nil, errors.Wrap(errors.ErrInvalidRequest, "payload is not valid JSON")
	}
	return json.RawMessage(data), nil
}

// readJSONL reads one JSON payload per non-blank line.
func readJSONL(r io.Reader) ([]json.RawMessage, error) {
	var out []json.RawMessage
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64<<10), 16<<20)
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" {
			continue
		}
		if !json.Valid([]byte(text)) {
			return nil, errors.Wrapf(errors.ErrInvalidRequest, "line %d is not valid JSON", line)
		}
		out = append(out, json.RawMessage(text))
	}
	if err := sc.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to read payloads")
	}
	return out, nil
}

// parseDependency reads "<job-id>" or "<job-id>:<kind>". The kind defaults
// to on_success.
func parseDependency(s string) (async.Dependency, error) {
	id, kind, found := strings.Cut(strings.TrimSpace(s), ":")
	dep := async.Dependency{DependsOn: id, Kind: async.OnSuccess}
	if id == "" {
		return dep, errors.Wrapf(errors.ErrInvalidRequest, "empty dependency %q", s)
	}
	if found {
		switch async.DependencyKind(strings.ReplaceAll(kind, "-", "_")) {
		case async.OnSuccess, async.OnFailure, async.OnCompletion:
			dep.Kind = async.DependencyKind(strings.ReplaceAll(kind, "-", "_"))
		default:
			return dep, errors.Wrapf(errors.ErrInvalidRequest, "unknown dependency kind %q", kind)
		}
	}
	return dep, nil
}

// parseWhen resolves --at and --delay into a scheduled time. At most one
// may be set.
func parseWhen(at string, delay time.Duration, now time.Time) (*time.Time, error) {
	switch {
	case at != "" && delay != 0:
		return nil, errors.Wrap(errors.ErrInvalidRequest, "--at and --delay are mutually exclusive")
	case at != "":
		t, err := time.Parse(time.RFC3339, at)
		if err != nil {
			return nil, errors.Mark(errors.Wrapf(err, "invalid --at %q", at), errors.ErrInvalidRequest)
		}
		return &t, nil
	case delay < 0:
		return nil, errors.Wrap(errors.ErrInvalidRequest, "--delay must be positive")
	case delay > 0:
		t := now.Add(delay)
		return &t, nil
	}
	return nil, nil
}

// parseDate reads a YYYY-MM-DD date or an RFC 3339 instant.
func parseDate(s string) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	if t, err := time.Parse(time.DateOnly, s); err == nil {
		return &t, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return nil, errors.Mark(errors.Wrapf(err, "invalid date %q", s), errors.ErrInvalidRequest)
	}
	return &t, nil
}

// retriesFlag maps the -1 sentinel to "use the default".
func retriesFlag(n int) *int {
	if n < 0 {
		return nil
	}
	return util.Ptr(n)
}
