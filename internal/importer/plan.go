package importer

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"annexe/internal/apperrors"
	"annexe/internal/domain"
	"annexe/internal/repo"
)

type nodeKind string

const (
	kindMission   nodeKind = "Mission"
	kindStep      nodeKind = "Step"
	kindChoice    nodeKind = "Choice"
	kindCondition nodeKind = "Condition"
	kindFinality  nodeKind = "Finality"
)

var kinds = []nodeKind{kindMission, kindStep, kindChoice, kindCondition, kindFinality}

func isReserved(label string) bool {
	for _, k := range kinds {
		if strings.EqualFold(label, string(k)) {
			return true
		}
	}
	return false
}

// kindOf resolves a node type from its caption, falling back to reserved
// labels. A Step labelled Mission is the start step, not the mission.
func kindOf(n Node) (nodeKind, error) {
	for _, k := range kinds {
		if strings.EqualFold(strings.TrimSpace(n.Caption), string(k)) {
			return k, nil
		}
	}
	for _, k := range []nodeKind{kindStep, kindChoice, kindCondition, kindFinality, kindMission} {
		if n.hasLabel(string(k)) {
			return k, nil
		}
	}
	return "", fmt.Errorf("node %s has no type (caption %q)", n.ID, n.Caption)
}

type choicePlan struct {
	node       string
	choice     domain.Choice
	from, to   string
	conditions []string
	finalities []string
}

// plan is a validated document ready to be written.
type plan struct {
	mission    domain.Mission
	steps      map[string]domain.Step
	stepOrder  []string
	choices    map[string]*choicePlan
	choiceIDs  []string
	conditions map[string]domain.Condition
	condOrder  []string
	finalities map[string]domain.Finality
	finOrder   []string
}

func invalid(format string, args ...any) error {
	return apperrors.Newf(apperrors.CodeInvalid, format, args...)
}

// buildPlan validates doc against the authoring rules and the known
// villages.
func (im *Importer) buildPlan(ctx context.Context, doc Document) (*plan, error) {
	p := &plan{
		steps:      map[string]domain.Step{},
		choices:    map[string]*choicePlan{},
		conditions: map[string]domain.Condition{},
		finalities: map[string]domain.Finality{},
	}
	kindByID := map[string]nodeKind{}
	missions := 0
	starts := 0
	for _, n := range doc.Nodes {
		if _, dup := kindByID[n.ID]; dup {
			return nil, invalid("duplicate node id %s", n.ID)
		}
		k, err := kindOf(n)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.CodeInvalid, err.Error(), err)
		}
		kindByID[n.ID] = k
		villages, err := im.villageLabels(ctx, n)
		if err != nil {
			return nil, err
		}
		switch k {
		case kindMission:
			missions++
			m, err := missionFromNode(n)
			if err != nil {
				return nil, err
			}
			if len(villages) == 0 {
				return nil, invalid("mission %s must name at least one village", n.ID)
			}
			m.Villages = villages
			p.mission = m
		case kindStep:
			s := domain.Step{Description: n.propString("description"), IsStart: n.hasLabel(string(kindMission))}
			if s.IsStart {
				starts++
			}
			p.steps[n.ID] = s
			p.stepOrder = append(p.stepOrder, n.ID)
		case kindChoice:
			v, err := n.propInt("value", 0)
			if err != nil {
				return nil, apperrors.Wrap(apperrors.CodeInvalid, err.Error(), err)
			}
			p.choices[n.ID] = &choicePlan{node: n.ID, choice: domain.Choice{Sentence: n.propString("sentence"), Value: v}}
			p.choiceIDs = append(p.choiceIDs, n.ID)
		case kindCondition:
			typ := capitalize(n.propString("type"))
			if typ == "" {
				return nil, invalid("condition %s has no type", n.ID)
			}
			v, err := n.propInt("value", 0)
			if err != nil {
				return nil, apperrors.Wrap(apperrors.CodeInvalid, err.Error(), err)
			}
			p.conditions[n.ID] = domain.Condition{Type: typ, Value: v}
			p.condOrder = append(p.condOrder, n.ID)
		case kindFinality:
			res := domain.Result(strings.ToLower(n.propString("value")))
			if !res.Valid() {
				return nil, invalid("finality %s value must be win or fail, got %q", n.ID, n.propString("value"))
			}
			cash, err := n.propInt("cash", 0)
			if err != nil {
				return nil, apperrors.Wrap(apperrors.CodeInvalid, err.Error(), err)
			}
			p.finalities[n.ID] = domain.Finality{Value: res, Description: n.propString("description"), Cash: cash}
			p.finOrder = append(p.finOrder, n.ID)
		}
	}
	if missions != 1 {
		return nil, invalid("document must contain exactly one mission node, found %d", missions)
	}
	if starts != 1 {
		return nil, invalid("mission must have exactly one start step, found %d", starts)
	}

	condOwner := map[string]string{}
	finOwner := map[string]string{}
	for _, rel := range doc.Relationships {
		fk, ok := kindByID[rel.FromID]
		if !ok {
			return nil, invalid("relationship %s references unknown node %s", rel.ID, rel.FromID)
		}
		tk, ok := kindByID[rel.ToID]
		if !ok {
			return nil, invalid("relationship %s references unknown node %s", rel.ID, rel.ToID)
		}
		switch {
		case fk == kindMission || tk == kindMission:
			// mission edges carry no wiring
		case fk == kindStep && tk == kindChoice:
			c := p.choices[rel.ToID]
			if c.from != "" && c.from != rel.FromID {
				return nil, invalid("choice %s has more than one source step", rel.ToID)
			}
			c.from = rel.FromID
		case fk == kindChoice && tk == kindStep:
			c := p.choices[rel.FromID]
			if c.to != "" && c.to != rel.ToID {
				return nil, invalid("choice %s has more than one target step", rel.FromID)
			}
			c.to = rel.ToID
		case fk == kindChoice && tk == kindCondition, fk == kindCondition && tk == kindChoice:
			choiceID, condID := rel.FromID, rel.ToID
			if fk == kindCondition {
				choiceID, condID = condID, choiceID
			}
			if err := own(condOwner, condID, choiceID, "condition"); err != nil {
				return nil, err
			}
			p.choices[choiceID].conditions = append(p.choices[choiceID].conditions, condID)
		case fk == kindChoice && tk == kindFinality, fk == kindFinality && tk == kindChoice:
			choiceID, finID := rel.FromID, rel.ToID
			if fk == kindFinality {
				choiceID, finID = finID, choiceID
			}
			if err := own(finOwner, finID, choiceID, "finality"); err != nil {
				return nil, err
			}
			p.choices[choiceID].finalities = append(p.choices[choiceID].finalities, finID)
		default:
			return nil, invalid("relationship %s from %s to %s is not allowed", rel.ID, fk, tk)
		}
	}
	if err := p.checkWalk(); err != nil {
		return nil, err
	}
	return p, nil
}

func own(owners map[string]string, child, choice, what string) error {
	if prev, ok := owners[child]; ok && prev != choice {
		return invalid("%s %s is attached to more than one choice", what, child)
	}
	owners[child] = choice
	return nil
}

// checkWalk requires every choice to connect two steps, and every choice
// that ends on a terminal step to carry both a win and a fail finality.
func (p *plan) checkWalk() error {
	outgoing := map[string]int{}
	for _, id := range p.choiceIDs {
		c := p.choices[id]
		if c.from == "" || c.to == "" {
			return invalid("choice %s must link a source step and a target step", id)
		}
		outgoing[c.from]++
	}
	for _, id := range p.choiceIDs {
		c := p.choices[id]
		if outgoing[c.to] > 0 {
			continue
		}
		var win, fail bool
		for _, f := range c.finalities {
			switch p.finalities[f].Value {
			case domain.ResultWin:
				win = true
			case domain.ResultFail:
				fail = true
			}
		}
		if !win || !fail {
			return invalid("choice %s ends the mission but lacks a win and a fail finality", id)
		}
	}
	return nil
}

func missionFromNode(n Node) (domain.Mission, error) {
	rank, err := domain.ParseRank(n.propString("rank"))
	if err != nil {
		return domain.Mission{}, apperrors.Wrap(apperrors.CodeInvalid, fmt.Sprintf("mission %s: %v", n.ID, err), err)
	}
	title := strings.TrimSpace(n.propString("title"))
	if title == "" {
		return domain.Mission{}, invalid("mission %s has no title", n.ID)
	}
	cash, err := n.propInt("cash", 0)
	if err != nil {
		return domain.Mission{}, apperrors.Wrap(apperrors.CodeInvalid, err.Error(), err)
	}
	percent, err := n.propInt("percent_mission", rank.DefaultPercent())
	if err != nil {
		return domain.Mission{}, apperrors.Wrap(apperrors.CodeInvalid, err.Error(), err)
	}
	return domain.Mission{
		Rank:           rank,
		Title:          title,
		Description:    n.propString("description"),
		Cash:           cash,
		PercentMission: percent,
	}, nil
}

// villageLabels returns the capitalised non-reserved labels of a node,
// failing when one does not name a known village.
func (im *Importer) villageLabels(ctx context.Context, n Node) ([]string, error) {
	var out []string
	for _, label := range n.Labels {
		if isReserved(label) || strings.TrimSpace(label) == "" {
			continue
		}
		name := capitalize(label)
		if _, err := im.Repo.GetVillageByName(ctx, nil, name); err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return nil, apperrors.WithMetadata(apperrors.CodeInvalid,
					fmt.Sprintf("node %s: unknown village %s", n.ID, name),
					map[string]string{"village": name})
			}
			return nil, apperrors.Store("get village", err)
		}
		out = append(out, name)
	}
	return out, nil
}
