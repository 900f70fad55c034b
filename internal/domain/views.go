package domain

import (
	"regexp"
	"time"
)

var objectIDRe = regexp.MustCompile(`^[0-9a-fA-F]{24}$`)

// IsObjectID reports whether s is a 24-hex-character server record id.
func IsObjectID(s string) bool {
	return objectIDRe.MatchString(s)
}

type DailyViews struct {
	Date  string `json:"date"` // YYYY-MM-DD
	Views int    `json:"views"`
}

// ViewStats is the analytics summary for one product.
type ViewStats struct {
	ProductID       string         `json:"productId"`
	TotalViews      int            `json:"totalViews"`
	UniqueViews     int            `json:"uniqueViews"`
	AverageDuration float64        `json:"averageDuration"`
	LastDuration    float64        `json:"lastDuration"`
	Daily           []DailyViews   `json:"dailyViews"`
	Sources         map[string]int `json:"sources"`
	UpdatedAt       time.Time      `json:"updatedAt"`
}

// ApplyView folds one live view into the summary.
func (s *ViewStats) ApplyView(at time.Time, duration float64, source string) {
	s.TotalViews++
	day := at.UTC().Format("2006-01-02")
	if n := len(s.Daily); n > 0 && s.Daily[n-1].Date == day {
		s.Daily[n-1].Views++
	} else {
		s.Daily = append(s.Daily, DailyViews{Date: day, Views: 1})
	}
	if source != "" {
		if s.Sources == nil {
			s.Sources = map[string]int{}
		}
		s.Sources[source]++
	}
	if duration > 0 {
		s.LastDuration = duration
	}
	s.UpdatedAt = at
}

// Clone returns a deep copy.
func (s ViewStats) Clone() ViewStats {
	c := s
	c.Daily = append([]DailyViews(nil), s.Daily...)
	if s.Sources != nil {
		c.Sources = make(map[string]int, len(s.Sources))
		for k, v := range s.Sources {
			c.Sources[k] = v
		}
	}
	return c
}
