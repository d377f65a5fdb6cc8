package domain

import (
	"fmt"
	"strings"
	"time"
)

// Rank is a mission difficulty tier, ordered C < B < A < S.
type Rank string

const (
	RankC Rank = "C"
	RankB Rank = "B"
	RankA Rank = "A"
	RankS Rank = "S"
)

// Ranks lists every rank in ascending order.
var Ranks = []Rank{RankC, RankB, RankA, RankS}

var rankDurations = map[Rank]time.Duration{
	RankC: 3 * time.Hour,
	RankB: 6 * time.Hour,
	RankA: 8 * time.Hour,
	RankS: 10 * time.Hour,
}

var rankPercents = map[Rank]int{
	RankC: 70,
	RankB: 50,
	RankA: 35,
	RankS: 20,
}

// ParseRank accepts a rank in any case.
func ParseRank(s string) (Rank, error) {
	r := Rank(strings.ToUpper(strings.TrimSpace(s)))
	if !r.Valid() {
		return "", fmt.Errorf("invalid rank %q (expected C, B, A or S)", s)
	}
	return r, nil
}

func (r Rank) Valid() bool {
	_, ok := rankDurations[r]
	return ok
}

// Duration is the real-time budget of a mission of this rank.
func (r Rank) Duration() time.Duration {
	return rankDurations[r]
}

// DefaultPercent is the mission percentage used when an authored mission
// does not set one.
func (r Rank) DefaultPercent() int {
	return rankPercents[r]
}

// ConditionTime is the reserved condition type that extends the time budget.
const ConditionTime = "Time"

// Result is a finality value.
type Result string

const (
	ResultWin  Result = "win"
	ResultFail Result = "fail"
)

func (r Result) Valid() bool {
	return r == ResultWin || r == ResultFail
}

// Village aliases applied before mission eligibility lookups.
const (
	VillageNukenin = "Nukenin"
	VillageErrant  = "Errant"
)

// EligibilityVillage maps a character village to the village used for
// mission selection.
func EligibilityVillage(village string) string {
	if village == VillageNukenin {
		return VillageErrant
	}
	return village
}

type Village struct {
	ID        int64  `json:"id" db:"id"`
	Name      string `json:"name" db:"name"`
	CreatedAt string `json:"created_at" db:"created_at" format:"date-time"`
}

type Mission struct {
	ID             int64    `json:"id" db:"id"`
	Rank           Rank     `json:"rank" db:"rank" enum:"C,B,A,S"`
	Title          string   `json:"title" db:"title"`
	Description    string   `json:"description" db:"description"`
	Cash           int      `json:"cash" db:"cash"`
	PercentMission int      `json:"percent_mission" db:"percent_mission"`
	ImportID       string   `json:"import_id,omitempty" db:"import_id"`
	Villages       []string `json:"villages" db:"-"`
	CreatedAt      string   `json:"created_at" db:"created_at" format:"date-time"`
}

type Step struct {
	ID          int64  `json:"id" db:"id"`
	MissionID   int64  `json:"mission_id" db:"mission_id"`
	Description string `json:"description" db:"description"`
	IsStart     bool   `json:"is_start" db:"is_start"`
}

// Choice is a directed edge between two steps. From/To are nil only while
// an import is wiring the graph.
type Choice struct {
	ID         int64  `json:"id" db:"id"`
	MissionID  int64  `json:"mission_id" db:"mission_id"`
	FromStepID *int64 `json:"from_step_id,omitempty" db:"from_step_id"`
	ToStepID   *int64 `json:"to_step_id,omitempty" db:"to_step_id"`
	Value      int    `json:"value" db:"value"`
	Sentence   string `json:"sentence" db:"sentence"`
}

type Condition struct {
	ID        int64  `json:"id" db:"id"`
	MissionID int64  `json:"mission_id" db:"mission_id"`
	ChoiceID  *int64 `json:"choice_id,omitempty" db:"choice_id"`
	Type      string `json:"type" db:"type"`
	Value     int    `json:"value" db:"value"`
}

// IsTime reports whether the condition extends the time budget instead of
// gating on a skill.
func (c Condition) IsTime() bool {
	return c.Type == ConditionTime
}

type Finality struct {
	ID          int64  `json:"id" db:"id"`
	MissionID   int64  `json:"mission_id" db:"mission_id"`
	ChoiceID    *int64 `json:"choice_id,omitempty" db:"choice_id"`
	Value       Result `json:"value" db:"value" enum:"win,fail"`
	Description string `json:"description" db:"description"`
	Cash        int    `json:"cash" db:"cash"`
}

type Character struct {
	ID         int64  `json:"id" db:"id"`
	ExternalID int64  `json:"external_id" db:"external_id"`
	Name       string `json:"name" db:"name"`
	Village    string `json:"village" db:"village"`
	Level      int    `json:"level" db:"level"`
	Exp        int    `json:"exp" db:"exp"`
	Cash       int    `json:"cash" db:"cash"`
	AvatarURL  string `json:"avatar_url,omitempty" db:"avatar_url"`
	CreatedAt  string `json:"created_at" db:"created_at" format:"date-time"`
}

// MissionPlaying is the single active session of a character.
type MissionPlaying struct {
	CharacterID      int64     `json:"character_id"`
	MissionID        int64     `json:"mission_id"`
	ActorID          string    `json:"actor_id"`
	BeginTime        time.Time `json:"begin_time"`
	PercentCharacter int       `json:"percent_character"`
	PercentChoice    int       `json:"percent_choice"`
	AdditionalTime   int       `json:"additional_time"`
	CurrentStepID    int64     `json:"current_step_id"`
	LastChoiceID     *int64    `json:"last_choice_id,omitempty"`
	Version          int64     `json:"version"`
}

// Deadline is begin_time + rank duration + additional minutes.
func (s MissionPlaying) Deadline(rank Rank) time.Time {
	return s.BeginTime.Add(rank.Duration()).Add(time.Duration(s.AdditionalTime) * time.Minute)
}

type RankStat struct {
	CharacterID int64 `json:"character_id" db:"character_id"`
	Rank        Rank  `json:"rank" db:"rank"`
	Win         int   `json:"win" db:"win"`
	Fail        int   `json:"fail" db:"fail"`
}

type StatAdminRecord struct {
	ID               int64  `json:"id" db:"id"`
	MissionName      string `json:"mission_name" db:"mission_name"`
	MissionRank      Rank   `json:"mission_rank" db:"mission_rank"`
	MissionVillage   string `json:"mission_village" db:"mission_village"`
	CharacterName    string `json:"character_name" db:"character_name"`
	PercentMission   int    `json:"percent_mission" db:"percent_mission"`
	PercentCharacter int    `json:"percent_character" db:"percent_character"`
	PercentChoice    int    `json:"percent_choice" db:"percent_choice"`
	Result           Result `json:"result" db:"result"`
	CreatedAt        string `json:"created_at" db:"created_at" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id" db:"id"`
	TS         string `json:"ts" db:"ts" format:"date-time"`
	Type       string `json:"type" db:"type"`
	EntityKind string `json:"entity_kind" db:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty" db:"entity_id"`
	ActorID    string `json:"actor_id" db:"actor_id"`
	Payload    string `json:"payload_json" db:"payload_json"`
}

// APIKey is a bot credential. LastUsedAt stays empty until the key first
// authenticates a request.
type APIKey struct {
	ID         string `json:"id" db:"id"`
	ActorID    string `json:"actor_id" db:"actor_id"`
	Name       string `json:"name,omitempty" db:"name"`
	KeyHash    string `json:"-" db:"key_hash"`
	CreatedAt  string `json:"created_at" db:"created_at" format:"date-time"`
	LastUsedAt string `json:"last_used_at,omitempty" db:"last_used_at"`
}
