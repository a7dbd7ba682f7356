package bridge

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"tblbridge/api/internal/capacity"
	"tblbridge/api/internal/codec"
)

// ErrCollision means a code is taken and no disambiguation is allowed to free one.
var ErrCollision = errors.New("code collision")

const (
	rootToken    = "root"
	unknownToken = "unknown"
)

// assignCode encodes the code for id and disambiguates it against codes owned by
// other records: first with the parent's slug, then with a numeric suffix when
// duplicate names are allowed. The bool reports whether disambiguation was needed.
func (r *Registry) assignCode(id string, typeDigit codec.TypeDigit, capacityDigit capacity.Capacity, label string, parent resolvedParent) (string, bool, error) {
	code, err := codec.Encode(typeDigit, capacityDigit, label)
	if err != nil {
		return "", false, fmt.Errorf("encode %s: %w", id, err)
	}
	if r.free(code, id) {
		return code, false, nil
	}

	withParent := code + "-" + r.parentToken(parent)
	if r.free(withParent, id) {
		return withParent, true, nil
	}
	if !r.allowDuplicates {
		return "", false, fmt.Errorf("%w: %s and %s already taken (node %s)", ErrCollision, code, withParent, id)
	}
	for n := 1; ; n++ {
		candidate := withParent + "-" + strconv.Itoa(n)
		if r.free(candidate, id) {
			return candidate, true, nil
		}
	}
}

// free reports whether code is unused or already owned by id.
func (r *Registry) free(code, id string) bool {
	owner, taken := r.byCode[code]
	return !taken || owner == id
}

func (r *Registry) parentToken(parent resolvedParent) string {
	switch {
	case parent.info.ID == "":
		return rootToken
	case !parent.info.Known:
		return unknownToken
	}
	slug := codec.Slug(parent.info.Label)
	if len(slug) > r.parentSlugLength {
		slug = strings.TrimRight(slug[:r.parentSlugLength], "-")
	}
	if slug == "" {
		return unknownToken
	}
	return slug
}
