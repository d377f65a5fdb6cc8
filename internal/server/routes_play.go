package server

import (
	"context"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"

	"annexe/internal/domain"
	"annexe/internal/engine"
)

var playErrors = []int{
	http.StatusUnauthorized,
	http.StatusForbidden,
	http.StatusNotFound,
	http.StatusConflict,
	http.StatusUnprocessableEntity,
	http.StatusServiceUnavailable,
}

func registerVillages(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-villages",
		Method:      http.MethodGet,
		Path:        "/villages",
		Summary:     "List villages",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.Village `json:"body"`
	}, error) {
		items, err := e.ListVillages(ctx)
		if err != nil {
			return nil, handleError(ctx, err)
		}
		return &struct {
			Body []domain.Village `json:"body"`
		}{Body: nonNilSlice(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "create-village",
		Method:        http.MethodPost,
		Path:          "/villages",
		Summary:       "Create village",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusForbidden, http.StatusConflict, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		Body CreateVillageRequest `json:"body"`
	}) (*struct {
		Body domain.Village `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		v, err := e.CreateVillage(ctx, actor, input.Body.Name)
		if err != nil {
			return nil, handleError(ctx, err)
		}
		return &struct {
			Body domain.Village `json:"body"`
		}{Body: v}, nil
	})
}

func registerCharacters(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-characters",
		Method:      http.MethodGet,
		Path:        "/characters",
		Summary:     "List characters owned by the caller (admins may filter by owner)",
	}, func(ctx context.Context, input *struct {
		Owner string `query:"owner"`
	}) (*struct {
		Body []domain.Character `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		items, err := e.ListCharacters(ctx, actor, input.Owner)
		if err != nil {
			return nil, handleError(ctx, err)
		}
		return &struct {
			Body []domain.Character `json:"body"`
		}{Body: nonNilSlice(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "create-character",
		Method:        http.MethodPost,
		Path:          "/characters",
		Summary:       "Register a character",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusForbidden, http.StatusConflict, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		Body CreateCharacterRequest `json:"body"`
	}) (*struct {
		Body domain.Character `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		b := input.Body
		ch, err := e.CreateCharacter(ctx, actor, engine.CharacterInput{
			ExternalID: b.ExternalID,
			Name:       b.Name,
			Village:    b.Village,
			Level:      b.Level,
			Exp:        b.Exp,
			Cash:       b.Cash,
			AvatarURL:  b.AvatarURL,
			Owners:     b.Owners,
		})
		if err != nil {
			return nil, handleError(ctx, err)
		}
		return &struct {
			Body domain.Character `json:"body"`
		}{Body: ch}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-character",
		Method:      http.MethodGet,
		Path:        "/characters/{character_id}",
		Summary:     "Get character",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		CharacterID int64 `path:"character_id"`
	}) (*struct {
		Body domain.Character `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		ch, err := e.GetCharacter(ctx, actor, input.CharacterID)
		if err != nil {
			return nil, handleError(ctx, err)
		}
		return &struct {
			Body domain.Character `json:"body"`
		}{Body: ch}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-character-by-name",
		Method:      http.MethodGet,
		Path:        "/characters/by-name/{name}",
		Summary:     "Get character by full name",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		Name string `path:"name" example:"Haruno Sakura"`
	}) (*struct {
		Body domain.Character `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		ch, err := e.GetCharacterByName(ctx, actor, input.Name)
		if err != nil {
			return nil, handleError(ctx, err)
		}
		return &struct {
			Body domain.Character `json:"body"`
		}{Body: ch}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "link-character",
		Method:        http.MethodPost,
		Path:          "/characters/{character_id}/owners",
		Summary:       "Grant an actor access to a character",
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusForbidden, http.StatusNotFound, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		CharacterID int64                `path:"character_id"`
		Body        LinkCharacterRequest `json:"body"`
	}) (*struct{}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.LinkCharacter(ctx, actor, input.CharacterID, input.Body.ActorID); err != nil {
			return nil, handleError(ctx, err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "character-mission",
		Method:      http.MethodGet,
		Path:        "/characters/{character_id}/missions/{mission_id}",
		Summary:     "Get the mission of the character's active session",
		Errors:      playErrors,
	}, func(ctx context.Context, input *struct {
		CharacterID int64 `path:"character_id"`
		MissionID   int64 `path:"mission_id"`
	}) (*struct {
		Body domain.Mission `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		m, err := e.MissionForSession(ctx, actor, input.CharacterID, input.MissionID)
		if err != nil {
			return nil, handleError(ctx, err)
		}
		return &struct {
			Body domain.Mission `json:"body"`
		}{Body: m}, nil
	})
}

func registerSessions(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "start-session",
		Method:        http.MethodPost,
		Path:          "/characters/{character_id}/session",
		Summary:       "Start a random mission of the given rank",
		DefaultStatus: http.StatusCreated,
		Errors:        playErrors,
	}, func(ctx context.Context, input *struct {
		CharacterID int64               `path:"character_id"`
		Body        StartSessionRequest `json:"body"`
	}) (*struct {
		Body engine.SessionView `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if _, err := e.StartSession(ctx, actor, input.CharacterID, domain.Rank(input.Body.Rank)); err != nil {
			return nil, handleError(ctx, err)
		}
		view, err := e.SessionView(ctx, actor, input.CharacterID)
		if err != nil {
			return nil, handleError(ctx, err)
		}
		return &struct {
			Body engine.SessionView `json:"body"`
		}{Body: view}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-session",
		Method:      http.MethodGet,
		Path:        "/characters/{character_id}/session",
		Summary:     "Active session",
		Errors:      playErrors,
	}, func(ctx context.Context, input *struct {
		CharacterID int64 `path:"character_id"`
	}) (*struct {
		Body engine.SessionView `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		view, err := e.SessionView(ctx, actor, input.CharacterID)
		if err != nil {
			return nil, handleError(ctx, err)
		}
		return &struct {
			Body engine.SessionView `json:"body"`
		}{Body: view}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "abandon-session",
		Method:        http.MethodDelete,
		Path:          "/characters/{character_id}/session",
		Summary:       "Abandon the active session without recording an outcome",
		DefaultStatus: http.StatusNoContent,
		Errors:        playErrors,
	}, func(ctx context.Context, input *struct {
		CharacterID int64 `path:"character_id"`
	}) (*struct{}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.AbandonSession(ctx, actor, input.CharacterID); err != nil {
			return nil, handleError(ctx, err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "session-time-left",
		Method:      http.MethodGet,
		Path:        "/characters/{character_id}/session/time-left",
		Summary:     "Remaining time of the active session",
		Errors:      playErrors,
	}, func(ctx context.Context, input *struct {
		CharacterID int64 `path:"character_id"`
	}) (*struct {
		Body TimeLeftResponse `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		view, err := e.SessionView(ctx, actor, input.CharacterID)
		if err != nil {
			return nil, handleError(ctx, err)
		}
		return &struct {
			Body TimeLeftResponse `json:"body"`
		}{Body: TimeLeftResponse{
			EndTime:         view.EndTime.UTC().Format(time.RFC3339),
			TimeLeftSeconds: view.TimeLeftSeconds,
			TimeOver:        view.TimeOver,
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "session-step",
		Method:      http.MethodGet,
		Path:        "/characters/{character_id}/session/step",
		Summary:     "Current step and its choices; 204 once the path has ended",
		Errors:      playErrors,
	}, func(ctx context.Context, input *struct {
		CharacterID int64 `path:"character_id"`
	}) (*struct {
		Status int
		Body   *StepResponse `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		view, err := e.CurrentStep(ctx, actor, input.CharacterID)
		if err != nil {
			return nil, handleError(ctx, err)
		}
		out := &struct {
			Status int
			Body   *StepResponse `json:"body"`
		}{Status: http.StatusOK}
		if view.Terminal {
			out.Status = http.StatusNoContent
			return out, nil
		}
		step := stepResponse(view)
		out.Body = &step
		return out, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "apply-choice",
		Method:      http.MethodPost,
		Path:        "/characters/{character_id}/session/choices",
		Summary:     "Take a choice from the current step",
		Errors:      playErrors,
	}, func(ctx context.Context, input *struct {
		CharacterID int64              `path:"character_id"`
		Body        ApplyChoiceRequest `json:"body"`
	}) (*struct {
		Body engine.ChoiceResult `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := e.ApplyChoice(ctx, actor, input.CharacterID, input.Body.ChoiceID)
		if err != nil {
			return nil, handleError(ctx, err)
		}
		return &struct {
			Body engine.ChoiceResult `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "resolve-session",
		Method:      http.MethodPost,
		Path:        "/characters/{character_id}/session/resolve",
		Summary:     "Draw the outcome of a finished mission",
		Errors:      append([]int{http.StatusInternalServerError}, playErrors...),
	}, func(ctx context.Context, input *struct {
		CharacterID int64 `path:"character_id"`
	}) (*struct {
		Body engine.Outcome `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		out, err := e.Resolve(ctx, actor, input.CharacterID)
		if err != nil {
			return nil, handleError(ctx, err)
		}
		return &struct {
			Body engine.Outcome `json:"body"`
		}{Body: out}, nil
	})
}

func registerStats(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "character-stats",
		Method:      http.MethodGet,
		Path:        "/characters/{character_id}/stats",
		Summary:     "Win/fail counters per rank",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		CharacterID int64 `path:"character_id"`
	}) (*struct {
		Body []domain.RankStat `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		stats, err := e.RankStats(ctx, actor, input.CharacterID)
		if err != nil {
			return nil, handleError(ctx, err)
		}
		return &struct {
			Body []domain.RankStat `json:"body"`
		}{Body: nonNilSlice(stats)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "stat-records",
		Method:      http.MethodGet,
		Path:        "/stat-records",
		Summary:     "Failed mission audit records, newest first",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Limit  int    `query:"limit" default:"50"`
		Cursor string `query:"cursor"`
	}) (*struct {
		Body paginatedStatRecords `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		cursor, cerr := parseCursor(input.Cursor)
		if cerr != nil {
			return nil, cerr
		}
		limit := normalizeLimit(input.Limit)
		items, err := e.ListStatAdminRecords(ctx, actor, limit+1, cursor)
		if err != nil {
			return nil, handleError(ctx, err)
		}
		resp := paginatedStatRecords{Items: nonNilSlice(items)}
		if len(items) > limit {
			resp.NextCursor = idString(items[limit-1].ID)
			resp.Items = items[:limit]
		}
		return &struct {
			Body paginatedStatRecords `json:"body"`
		}{Body: resp}, nil
	})
}
