package query

import (
	"fmt"
	"strings"

	"github.com/ajitpratap0/tap-salesforce/pkg/errors"
)

const (
	// Base62Alphabet orders digits, then upper case, then lower case.
	Base62Alphabet = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"

	idLength     = 15
	prefixLength = 6
	suffixLength = idLength - prefixLength
)

// IDRange is an inclusive range of record ids.
type IDRange struct {
	Start string
	End   string
}

// Where renders the range as a SOQL condition on field.
func (r IDRange) Where(field string) string {
	return fmt.Sprintf("%s >= '%s' AND %s <= '%s'", field, r.Start, field, r.End)
}

// EncodeBase62 encodes n, left-padded with zeros to width.
func EncodeBase62(n uint64, width int) string {
	buf := make([]byte, 0, width)
	for n > 0 {
		buf = append(buf, Base62Alphabet[n%62])
		n /= 62
	}
	for len(buf) < width {
		buf = append(buf, '0')
	}
	for i, j := 0, len(buf)-1; i < j; i, j = i+1, j-1 {
		buf[i], buf[j] = buf[j], buf[i]
	}
	return string(buf)
}

// DecodeBase62 decodes s. Leading zeros are ignored.
func DecodeBase62(s string) (uint64, error) {
	var n uint64
	for i := 0; i < len(s); i++ {
		d := strings.IndexByte(Base62Alphabet, s[i])
		if d < 0 {
			return 0, errors.Newf(errors.ErrorTypeValidation, "invalid base62 character %q in %q", s[i], s)
		}
		n = n*62 + uint64(d)
	}
	return n, nil
}

// NormalizeID truncates 18-character ids to their 15-character form.
func NormalizeID(id string) (string, error) {
	switch len(id) {
	case idLength:
		return id, nil
	case 18:
		return id[:idLength], nil
	default:
		return "", errors.Newf(errors.ErrorTypeValidation, "record id %q is neither 15 nor 18 characters", id)
	}
}

// ChunkIDRange splits [start, end] into contiguous inclusive ranges holding
// at most size ids each. Both ids must share their 6-character prefix.
func ChunkIDRange(start, end string, size int) ([]IDRange, error) {
	if size < 1 {
		return nil, errors.Newf(errors.ErrorTypeValidation, "chunk size must be positive, got %d", size)
	}
	s, err := NormalizeID(start)
	if err != nil {
		return nil, err
	}
	e, err := NormalizeID(end)
	if err != nil {
		return nil, err
	}

	prefix := s[:prefixLength]
	if e[:prefixLength] != prefix {
		return nil, errors.Newf(errors.ErrorTypeValidation,
			"ids %s and %s do not share a key prefix", s, e)
	}

	lo, err := DecodeBase62(s[prefixLength:])
	if err != nil {
		return nil, err
	}
	hi, err := DecodeBase62(e[prefixLength:])
	if err != nil {
		return nil, err
	}
	if lo > hi {
		return nil, errors.Newf(errors.ErrorTypeValidation, "id range start %s is after end %s", s, e)
	}

	step := uint64(size)
	var ranges []IDRange
	for cur := lo; ; {
		last := hi
		if hi-cur >= step {
			last = cur + step - 1
		}
		ranges = append(ranges, IDRange{
			Start: prefix + EncodeBase62(cur, suffixLength),
			End:   prefix + EncodeBase62(last, suffixLength),
		})
		if last == hi {
			return ranges, nil
		}
		cur = last + 1
	}
}
