package secrets

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"unicode"
)

// reference is a parsed secret URI. Accepted forms:
//
//	secret://redis-password
//	secret://my-project/redis-password
//	secret://redis-password?version=5&project=my-project
//
// sm:// is accepted as an alias of secret://.
type reference struct {
	name    string
	project string
	version string
}

func parseReference(raw string) (reference, error) {
	raw = strings.TrimSpace(raw)
	if rest, ok := strings.CutPrefix(raw, "sm://"); ok {
		raw = "secret://" + rest
	}
	if raw == "" {
		return reference{}, errors.New("secrets: empty reference")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return reference{}, fmt.Errorf("secrets: invalid reference %q: %w", raw, err)
	}
	if u.Scheme != "secret" {
		return reference{}, fmt.Errorf("secrets: unsupported scheme %q", u.Scheme)
	}

	var ref reference
	segments := strings.FieldsFunc(u.Host+u.Path, func(r rune) bool { return r == '/' })
	switch len(segments) {
	case 1:
		ref.name = segments[0]
	case 2:
		ref.project, ref.name = segments[0], segments[1]
	default:
		return reference{}, fmt.Errorf("secrets: reference %q must name one secret", raw)
	}

	q := u.Query()
	if p := strings.TrimSpace(q.Get("project")); p != "" {
		ref.project = p
	}
	ref.version = strings.TrimSpace(q.Get("version"))
	if ref.version == "" {
		ref.version = "latest"
	}
	return ref, nil
}

// id is stable across versions; Invalidate matches on it.
func (r reference) id() string {
	if r.project == "" {
		return r.name
	}
	return r.project + "/" + r.name
}

func (r reference) resource(defaultProject string) (string, bool) {
	project := r.project
	if project == "" {
		project = defaultProject
	}
	if project == "" {
		return "", false
	}
	return "projects/" + project + "/secrets/" + r.name + "/versions/" + r.version, true
}

// envKey is the name the secret goes by in the local fallback file:
// redis-password becomes REDIS_PASSWORD.
func (r reference) envKey() string {
	return strings.Map(func(c rune) rune {
		if unicode.IsLetter(c) || unicode.IsDigit(c) {
			return unicode.ToUpper(c)
		}
		return '_'
	}, r.name)
}

// hashed keeps secret names out of metric labels.
func (r reference) hashed() string {
	sum := sha256.Sum256([]byte(r.id()))
	return hex.EncodeToString(sum[:8])
}
