// Package geo encodes coordinates into geohash cells so a location can be
// shared with contacts at deliberately reduced precision.
package geo

import "strings"

// DefaultPrecision is the cell size used on outbound notifications. Six
// characters is roughly a 1.2km x 0.6km cell, close enough to group nearby
// updates without disclosing an exact address.
const DefaultPrecision = 6

// base32 is the geohash alphabet: standard base32 minus a, i, l, and o.
const base32 = "0123456789bcdefghjkmnpqrstuvwxyz"

// Encode interleaves longitude and latitude bits into a base32 geohash of
// the given length. A precision below 1 falls back to DefaultPrecision.
func Encode(lat, lng float64, precision int) string {
	if precision < 1 {
		precision = DefaultPrecision
	}

	latLo, latHi := -90.0, 90.0
	lngLo, lngHi := -180.0, 180.0

	var b strings.Builder
	b.Grow(precision)

	var idx uint
	bit := 0
	evenBit := true
	for b.Len() < precision {
		if evenBit {
			mid := (lngLo + lngHi) / 2
			if lng > mid {
				idx |= 1 << (4 - bit)
				lngLo = mid
			} else {
				lngHi = mid
			}
		} else {
			mid := (latLo + latHi) / 2
			if lat > mid {
				idx |= 1 << (4 - bit)
				latLo = mid
			} else {
				latHi = mid
			}
		}
		evenBit = !evenBit

		if bit++; bit == 5 {
			b.WriteByte(base32[idx])
			bit = 0
			idx = 0
		}
	}

	return b.String()
}

// RoundGeohash lowercases and truncates a client-supplied geohash to the
// given precision. It returns "" when the input is not a well-formed geohash
// or the precision is not positive; inputs already at or below the precision
// come back whole.
func RoundGeohash(input string, precision int) string {
	if input == "" || precision < 1 {
		return ""
	}

	lower := strings.ToLower(input)
	for i := 0; i < len(lower); i++ {
		if strings.IndexByte(base32, lower[i]) < 0 {
			return ""
		}
	}

	if len(lower) <= precision {
		return lower
	}
	return lower[:precision]
}
