package features

import (
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

// Stage is one step of the production workflow.
type Stage struct {
	Code          string
	DisplayName   string
	Aliases       []string
	RequiredLevel int
}

// DefaultRequiredLevel applies to stages missing from the table.
const DefaultRequiredLevel = 3

// stageTable maps process stages to their nominal required skill level.
// Changing a level shifts the learned weights of every model, so entries are
// only ever added.
var stageTable = []Stage{
	{Code: "RECEIVING", DisplayName: "Receiving", Aliases: []string{"收货"}, RequiredLevel: 1},
	{Code: "THAWING", DisplayName: "Thawing", Aliases: []string{"解冻"}, RequiredLevel: 2},
	{Code: "CLEANING", DisplayName: "Cleaning", Aliases: []string{"清洗"}, RequiredLevel: 1},
	{Code: "SLICING", DisplayName: "Slicing", Aliases: []string{"切片"}, RequiredLevel: 4},
	{Code: "DICING", DisplayName: "Dicing", Aliases: []string{"切丁"}, RequiredLevel: 4},
	{Code: "MARINATING", DisplayName: "Marinating", Aliases: []string{"腌制"}, RequiredLevel: 3},
	{Code: "COOKING", DisplayName: "Cooking", Aliases: []string{"烹饪"}, RequiredLevel: 4},
	{Code: "FRYING", DisplayName: "Frying", Aliases: []string{"油炸"}, RequiredLevel: 4},
	{Code: "COOLING", DisplayName: "Cooling", Aliases: []string{"冷却"}, RequiredLevel: 2},
	{Code: "FREEZING", DisplayName: "Freezing", Aliases: []string{"速冻"}, RequiredLevel: 2},
	{Code: "WEIGHING", DisplayName: "Weighing", Aliases: []string{"称重"}, RequiredLevel: 2},
	{Code: "PACKAGING", DisplayName: "Packaging", Aliases: []string{"包装"}, RequiredLevel: 2},
	{Code: "LABELING", DisplayName: "Labeling", Aliases: []string{"贴标"}, RequiredLevel: 1},
	{Code: "QUALITY_INSPECTION", DisplayName: "Quality Inspection", Aliases: []string{"质检"}, RequiredLevel: 5},
}

var stageIndex = buildStageIndex()

func buildStageIndex() map[string]*Stage {
	idx := make(map[string]*Stage, len(stageTable)*3)
	for i := range stageTable {
		s := &stageTable[i]
		idx[foldKey(s.Code)] = s
		idx[foldKey(s.DisplayName)] = s
		for _, a := range s.Aliases {
			idx[foldKey(a)] = s
		}
	}
	return idx
}

// LookupStage resolves a stage by code, display name or alias, ignoring case.
func LookupStage(name string) (*Stage, bool) {
	s, ok := stageIndex[foldKey(name)]
	return s, ok
}

// CanonicalStage returns the stage code for name, or the trimmed upper-case
// input when the stage is unknown.
func CanonicalStage(name string) string {
	if s, ok := LookupStage(name); ok {
		return s.Code
	}
	return strings.ToUpper(strings.TrimSpace(name))
}

// RequiredSkillLevel returns the nominal 1-5 skill level for a stage.
func RequiredSkillLevel(stageType string) int {
	if s, ok := LookupStage(stageType); ok {
		return s.RequiredLevel
	}
	return DefaultRequiredLevel
}

// stageNames lists every name a skill entry may use for the stage.
func stageNames(stageType string) []string {
	if s, ok := LookupStage(stageType); ok {
		names := []string{s.Code, s.DisplayName}
		return append(names, s.Aliases...)
	}
	return []string{stageType}
}

// foldKey normalizes a name for case-insensitive comparison. Underscores and
// spaces are treated alike so "quality inspection" matches QUALITY_INSPECTION.
// A Caser is stateful, so one is created per call.
func foldKey(s string) string {
	s = norm.NFC.String(strings.TrimSpace(s))
	s = strings.ReplaceAll(s, "_", " ")
	return cases.Fold().String(strings.Join(strings.Fields(s), " "))
}
