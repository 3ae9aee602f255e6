// Package ordkey encodes runtime field values as strings whose plain byte
// order matches the natural order of the original values. Index entries
// built from these strings answer range queries with a single prefix scan.
//
// Every encoding is tagged by a leading character so values of different
// declared types never interleave:
//
//	a  negative infinity
//	b  finite negative numbers (complement encoded)
//	c  zero and finite positive numbers
//	d  positive infinity
//	e  NaN
//	t  datetimes (unix seconds)
//	h  long strings (hashed bucket)
//	s  short strings (escaped)
//	v  fallback for anything else
//
// plus the literal tokens "null", "true", "false" and "empty".
//
// The encoding is an on-disk contract: any change breaks every index
// already written, so the rules below are frozen.
package ordkey

import (
	"crypto/md5"
	"encoding/base32"
	"fmt"
	"math"
	"strings"
	"time"
)

const (
	// NumWidth digits for the integer part, FracWidth for the fractional.
	NumWidth  = 10
	FracWidth = 6

	maxInt  = 9999999999 // NumWidth nines
	maxFrac = 999999     // FracWidth nines

	longStringLen = 100
)

// Format encodes v. It is total: every value encodes to something, and for
// values of one type family the result preserves order. Long strings are
// the documented exception: beyond 100 characters ordering degrades to
// hash-bucket order. Short strings carry a second, narrower caveat: the
// entry key appends ":key:" after the encoded value, so when one string
// extends another with a next byte below ':' (digits, most punctuation)
// the extension's entries sort before the shorter string's. A range
// bounded at such a string can misplace its proper prefixes. The entry
// layout is an on-disk contract, so this holds as documented behavior.
func Format(v any) string {
	switch t := v.(type) {
	case nil:
		return "null"
	case bool:
		if t {
			return "true"
		}
		return "false"
	case int:
		return formatFloat(float64(t))
	case int8:
		return formatFloat(float64(t))
	case int16:
		return formatFloat(float64(t))
	case int32:
		return formatFloat(float64(t))
	case int64:
		return formatFloat(float64(t))
	case uint:
		return formatFloat(float64(t))
	case uint8:
		return formatFloat(float64(t))
	case uint16:
		return formatFloat(float64(t))
	case uint32:
		return formatFloat(float64(t))
	case uint64:
		return formatFloat(float64(t))
	case float32:
		return formatFloat(float64(t))
	case float64:
		return formatFloat(t)
	case time.Time:
		return fmt.Sprintf("t%010d", t.Unix())
	case string:
		return formatString(t)
	default:
		return "v" + Escape(fmt.Sprint(v))
	}
}

func formatFloat(f float64) string {
	switch {
	case math.IsNaN(f):
		return "e"
	case math.IsInf(f, 1):
		return "d"
	case math.IsInf(f, -1):
		return "a"
	case f == 0:
		return "c0000000000_000000"
	}
	neg := f < 0
	abs := math.Abs(f)
	ip, fp := math.Modf(abs)
	intPart := int64(ip)
	fracPart := int64(math.Round(fp * 1e6))
	if fracPart > maxFrac { // rounding carried over
		fracPart = 0
		intPart++
	}
	if intPart > maxInt {
		// out of encodable range, saturate at the type edge
		if neg {
			return "a"
		}
		return "d"
	}
	if neg {
		return fmt.Sprintf("b%010d_%06d", maxInt-intPart, maxFrac-fracPart)
	}
	return fmt.Sprintf("c%010d_%06d", intPart, fracPart)
}

func formatString(s string) string {
	if s == "" {
		return "empty"
	}
	if len(s) > longStringLen {
		sum := md5.Sum([]byte(s))
		return "h" + base32.StdEncoding.EncodeToString(sum[:])
	}
	return "s" + Escape(s)
}

// escaper substitutes every character that doubles as key structure with a
// fixed token, so a formatted value can never be mistaken for a delimiter.
var escaper = strings.NewReplacer(
	".", "_dt_",
	"[", "_lb_",
	"]", "_rb_",
	"{", "_lc_",
	"}", "_rc_",
	":", "_cl_",
	"/", "_sl_",
	`\`, "_bs_",
	"*", "_st_",
	"?", "_qm_",
	"<", "_lt_",
	">", "_gt_",
	"|", "_pp_",
	`"`, "_dq_",
	"'", "_sq_",
)

func Escape(s string) string {
	return escaper.Replace(s)
}
