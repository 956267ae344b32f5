package query

import (
	"sort"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/dcmrs-broker/dcmrs-broker/internal/dcm"
)

const (
	paramFuzzy   = "fuzzymatching"
	paramLimit   = "limit"
	paramOffset  = "offset"
	paramInclude = "includefield"
)

// ParseRequest builds a search from the path UIDs and the HTTP query string.
// Unknown attribute identifiers are dropped with a warning; the rest of the
// request still goes through.
func ParseRequest(level dcm.Level, studyUID, seriesUID string, values map[string][]string, logger *logrus.Logger) Request {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	req := Request{
		Level:    level,
		Filters:  dcm.NewAttributes(),
		Included: dcm.NewAttributes(),
	}
	if studyUID != "" {
		req.Filters.SetString(dcm.StudyInstanceUID, studyUID)
	}
	if seriesUID != "" {
		req.Filters.SetString(dcm.SeriesInstanceUID, seriesUID)
	}

	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		vals := values[key]
		switch key {
		case paramFuzzy:
			req.FuzzyMatching, _ = strconv.ParseBool(first(vals))
		case paramLimit:
			req.Limit = nonNegative(first(vals))
		case paramOffset:
			req.Offset = nonNegative(first(vals))
		case paramInclude:
			for _, v := range vals {
				for _, field := range strings.Split(v, ",") {
					field = strings.TrimSpace(field)
					if field == "" || field == "all" {
						continue
					}
					id, err := dcm.ParseAttributeID(field)
					if err != nil {
						logger.WithField("action", "qido_params").WithError(err).Warn("invalid included attribute id")
						continue
					}
					id.EnsureExists(req.Included)
				}
			}
		default:
			id, err := dcm.ParseAttributeID(key)
			if err != nil {
				logger.WithField("action", "qido_params").WithError(err).Warn("invalid attribute id")
				continue
			}
			id.SetValue(req.Filters, strings.Split(strings.Join(vals, `\`), `\`)...)
		}
	}
	return req
}

func first(vals []string) string {
	if len(vals) == 0 {
		return ""
	}
	return vals[0]
}

func nonNegative(s string) int {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil || n < 0 {
		return 0
	}
	return n
}
