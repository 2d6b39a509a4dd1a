package features

import (
	"strconv"
	"strings"
)

// SkillLevels is a parsed "name:level,name:level" skill map.
type SkillLevels map[string]float64

// ParseSkillLevels parses the textual skill map stored on a worker record.
// Malformed entries are skipped; the second return value counts them.
func ParseSkillLevels(raw string) (SkillLevels, int) {
	skills := make(SkillLevels)
	skipped := 0
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		name, level, ok := strings.Cut(entry, ":")
		if !ok {
			skipped++
			continue
		}
		name = strings.TrimSpace(name)
		v, err := strconv.ParseFloat(strings.TrimSpace(level), 64)
		if name == "" || err != nil || v <= 0 {
			skipped++
			continue
		}
		skills[name] = v
	}
	return skills, skipped
}

// Average returns the mean level, or fallback when the map is empty.
func (s SkillLevels) Average(fallback float64) float64 {
	if len(s) == 0 {
		return fallback
	}
	var sum float64
	for _, v := range s {
		sum += v
	}
	return sum / float64(len(s))
}

// ForStage finds the level recorded under any name of the stage.
func (s SkillLevels) ForStage(stageType string) (float64, bool) {
	if stageType == "" || len(s) == 0 {
		return 0, false
	}
	folded := make(map[string]float64, len(s))
	for name, level := range s {
		folded[foldKey(name)] = level
	}
	for _, n := range stageNames(stageType) {
		if level, ok := folded[foldKey(n)]; ok {
			return level, true
		}
	}
	return 0, false
}
