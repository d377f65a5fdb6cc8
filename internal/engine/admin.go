package engine

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"annexe/internal/apperrors"
	"annexe/internal/domain"
	"annexe/internal/engine/auth"
	"annexe/internal/events"
	"annexe/internal/importer"
	"annexe/internal/repo"
)

// ChoiceNode is a choice with its conditions and finalities.
type ChoiceNode struct {
	domain.Choice
	Conditions []domain.Condition `json:"conditions"`
	Finalities []domain.Finality  `json:"finalities"`
}

// MissionGraph is the full authored content of a mission.
type MissionGraph struct {
	Mission domain.Mission `json:"mission"`
	Steps   []domain.Step  `json:"steps"`
	Choices []ChoiceNode   `json:"choices"`
}

func (e Engine) CreateVillage(ctx context.Context, actor auth.Actor, name string) (domain.Village, error) {
	if err := e.Auth.RequireAdmin(actor); err != nil {
		return domain.Village{}, err
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return domain.Village{}, apperrors.New(apperrors.CodeInvalid, "village name required")
	}
	var v domain.Village
	err := e.withTx(ctx, func(tx *sqlx.Tx) error {
		var err error
		v, err = e.Repo.InsertVillage(ctx, tx, name)
		if err != nil {
			if repo.IsUniqueViolation(err) {
				return apperrors.Wrap(apperrors.CodeConflict, fmt.Sprintf("village %s already exists", name), err)
			}
			return apperrors.Store("insert village", err)
		}
		return apperrors.Store("append event", e.Events.Append(ctx, tx, events.VillageCreated, "village", idString(v.ID), actor.ID, events.EventPayload{"name": name}))
	})
	return v, err
}

func (e Engine) ListVillages(ctx context.Context) ([]domain.Village, error) {
	villages, err := e.Repo.ListVillages(ctx)
	return villages, apperrors.Store("list villages", err)
}

// CharacterInput registers a character mirrored from the game.
type CharacterInput struct {
	ExternalID int64
	Name       string
	Village    string
	Level      int
	Exp        int
	Cash       int
	AvatarURL  string
	Owners     []string
}

func (e Engine) CreateCharacter(ctx context.Context, actor auth.Actor, in CharacterInput) (domain.Character, error) {
	if err := e.Auth.RequireAdmin(actor); err != nil {
		return domain.Character{}, err
	}
	if strings.TrimSpace(in.Name) == "" || strings.TrimSpace(in.Village) == "" {
		return domain.Character{}, apperrors.New(apperrors.CodeInvalid, "name and village are required")
	}
	ch := domain.Character{
		ExternalID: in.ExternalID,
		Name:       strings.TrimSpace(in.Name),
		Village:    strings.TrimSpace(in.Village),
		Level:      in.Level,
		Exp:        in.Exp,
		Cash:       in.Cash,
		AvatarURL:  in.AvatarURL,
		CreatedAt:  e.now().UTC().Format(time.RFC3339),
	}
	err := e.withTx(ctx, func(tx *sqlx.Tx) error {
		id, err := e.Repo.InsertCharacter(ctx, tx, ch)
		if err != nil {
			if repo.IsUniqueViolation(err) {
				return apperrors.Wrap(apperrors.CodeConflict, fmt.Sprintf("character with external id %d already exists", in.ExternalID), err)
			}
			return apperrors.Store("insert character", err)
		}
		ch.ID = id
		for _, owner := range in.Owners {
			owner = strings.TrimSpace(owner)
			if owner == "" {
				continue
			}
			if err := e.Repo.LinkCharacterOwner(ctx, tx, id, owner); err != nil {
				return apperrors.Store("link owner", err)
			}
		}
		return apperrors.Store("append event", e.Events.Append(ctx, tx, events.CharacterCreated, "character", idString(id), actor.ID, events.EventPayload{
			"external_id": ch.ExternalID,
			"name":        ch.Name,
			"village":     ch.Village,
		}))
	})
	if err != nil {
		return domain.Character{}, err
	}
	return ch, nil
}

// LinkCharacter grants ownerID access to a character.
func (e Engine) LinkCharacter(ctx context.Context, actor auth.Actor, characterID int64, ownerID string) error {
	if err := e.Auth.RequireAdmin(actor); err != nil {
		return err
	}
	if _, err := e.Repo.GetCharacter(ctx, characterID); err != nil {
		return storeErr("get character", err, fmt.Sprintf("character %d not found", characterID))
	}
	ownerID = strings.TrimSpace(ownerID)
	if ownerID == "" {
		return apperrors.New(apperrors.CodeInvalid, "owner actor id required")
	}
	return e.withTx(ctx, func(tx *sqlx.Tx) error {
		if err := e.Repo.LinkCharacterOwner(ctx, tx, characterID, ownerID); err != nil {
			return apperrors.Store("link owner", err)
		}
		return apperrors.Store("append event", e.Events.Append(ctx, tx, events.CharacterLinked, "character", idString(characterID), actor.ID, events.EventPayload{"owner_id": ownerID}))
	})
}

func (e Engine) GetCharacter(ctx context.Context, actor auth.Actor, characterID int64) (domain.Character, error) {
	return e.character(ctx, actor, characterID)
}

// GetCharacterByName looks a character up by its full name, e.g.
// "Haruno Sakura". Only owners and admins see it.
func (e Engine) GetCharacterByName(ctx context.Context, actor auth.Actor, name string) (domain.Character, error) {
	name = strings.Join(strings.Fields(name), " ")
	if name == "" {
		return domain.Character{}, apperrors.New(apperrors.CodeInvalid, "character name required")
	}
	ch, err := e.Repo.FindCharacterByName(ctx, name)
	if err != nil {
		return domain.Character{}, storeErr("find character", err, fmt.Sprintf("character %q not found", name))
	}
	if err := e.Auth.RequireOwner(ctx, actor, ch.ID); err != nil {
		return domain.Character{}, err
	}
	return ch, nil
}

// ListCharacters returns the actor's characters; admins may list any
// actor's characters, or all with an empty ownerID.
func (e Engine) ListCharacters(ctx context.Context, actor auth.Actor, ownerID string) ([]domain.Character, error) {
	if !e.Auth.IsAdmin(actor) {
		ownerID = actor.ID
	}
	chars, err := e.Repo.ListCharacters(ctx, ownerID)
	return chars, apperrors.Store("list characters", err)
}

func (e Engine) ListMissions(ctx context.Context, actor auth.Actor, rank domain.Rank, village string) ([]domain.Mission, error) {
	if err := e.Auth.RequireAdmin(actor); err != nil {
		return nil, err
	}
	if rank != "" && !rank.Valid() {
		return nil, apperrors.Newf(apperrors.CodeInvalid, "invalid rank %q", rank)
	}
	missions, err := e.Repo.ListMissions(ctx, rank, village)
	return missions, apperrors.Store("list missions", err)
}

// MissionGraph returns a mission with every step, choice, condition and
// finality.
func (e Engine) MissionGraph(ctx context.Context, actor auth.Actor, missionID int64) (MissionGraph, error) {
	if err := e.Auth.RequireAdmin(actor); err != nil {
		return MissionGraph{}, err
	}
	m, err := e.Repo.GetMission(ctx, missionID)
	if err != nil {
		return MissionGraph{}, storeErr("get mission", err, "mission not found")
	}
	steps, err := e.Repo.ListSteps(ctx, missionID)
	if err != nil {
		return MissionGraph{}, apperrors.Store("list steps", err)
	}
	choices, err := e.Repo.ListChoices(ctx, missionID)
	if err != nil {
		return MissionGraph{}, apperrors.Store("list choices", err)
	}
	g := MissionGraph{Mission: m, Steps: steps, Choices: make([]ChoiceNode, 0, len(choices))}
	for _, c := range choices {
		conds, err := e.Repo.ConditionsForChoice(ctx, c.ID)
		if err != nil {
			return MissionGraph{}, apperrors.Store("list conditions", err)
		}
		fins, err := e.Repo.FinalitiesForChoice(ctx, c.ID)
		if err != nil {
			return MissionGraph{}, apperrors.Store("list finalities", err)
		}
		g.Choices = append(g.Choices, ChoiceNode{Choice: c, Conditions: conds, Finalities: fins})
	}
	return g, nil
}

// ImportMission loads an authoring document into the graph store.
func (e Engine) ImportMission(ctx context.Context, actor auth.Actor, doc importer.Document) (importer.Result, error) {
	if err := e.Auth.RequireAdmin(actor); err != nil {
		return importer.Result{}, err
	}
	return e.Importer.Import(ctx, actor.ID, doc)
}

func (e Engine) RankStats(ctx context.Context, actor auth.Actor, characterID int64) ([]domain.RankStat, error) {
	if _, err := e.character(ctx, actor, characterID); err != nil {
		return nil, err
	}
	stats, err := e.Repo.ListRankStats(ctx, characterID)
	return stats, apperrors.Store("list rank stats", err)
}

func (e Engine) ListStatAdminRecords(ctx context.Context, actor auth.Actor, limit int, cursor int64) ([]domain.StatAdminRecord, error) {
	if err := e.Auth.RequireAdmin(actor); err != nil {
		return nil, err
	}
	recs, err := e.Repo.ListStatAdminRecords(ctx, limit, cursor)
	return recs, apperrors.Store("list stat records", err)
}

// ListEvents pages the audit log newest first. Admin only.
func (e Engine) ListEvents(ctx context.Context, actor auth.Actor, filter repo.EventFilter) ([]domain.Event, error) {
	if err := e.Auth.RequireAdmin(actor); err != nil {
		return nil, err
	}
	evts, err := e.Repo.ListEvents(ctx, filter)
	return evts, apperrors.Store("list events", err)
}

// CreateAPIKey mints a key for ownerID and returns its plaintext once.
func (e Engine) CreateAPIKey(ctx context.Context, actor auth.Actor, ownerID, name string) (domain.APIKey, string, error) {
	if err := e.Auth.RequireAdmin(actor); err != nil {
		return domain.APIKey{}, "", err
	}
	if strings.TrimSpace(ownerID) == "" {
		return domain.APIKey{}, "", apperrors.New(apperrors.CodeInvalid, "actor id required")
	}
	var raw [24]byte
	if _, err := rand.Read(raw[:]); err != nil {
		return domain.APIKey{}, "", fmt.Errorf("read random bytes: %w", err)
	}
	plain := "ak_" + hex.EncodeToString(raw[:])
	key := domain.APIKey{
		ID:        uuid.NewString(),
		ActorID:   strings.TrimSpace(ownerID),
		Name:      name,
		KeyHash:   repo.HashAPIKey(plain),
		CreatedAt: e.now().UTC().Format(time.RFC3339),
	}
	if err := e.Repo.InsertAPIKey(ctx, nil, key); err != nil {
		return domain.APIKey{}, "", apperrors.Store("insert api key", err)
	}
	return key, plain, nil
}

func (e Engine) ListAPIKeys(ctx context.Context, actor auth.Actor, ownerID string) ([]domain.APIKey, error) {
	if err := e.Auth.RequireAdmin(actor); err != nil {
		return nil, err
	}
	keys, err := e.Repo.ListAPIKeys(ctx, ownerID)
	return keys, apperrors.Store("list api keys", err)
}

func (e Engine) DeleteAPIKey(ctx context.Context, actor auth.Actor, id string) error {
	if err := e.Auth.RequireAdmin(actor); err != nil {
		return err
	}
	return storeErr("delete api key", e.Repo.DeleteAPIKey(ctx, id), "api key not found")
}
