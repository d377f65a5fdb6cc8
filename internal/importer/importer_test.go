package importer

import (
	"context"
	"testing"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"annexe/internal/apperrors"
	"annexe/internal/db"
	"annexe/internal/domain"
	"annexe/internal/events"
	"annexe/internal/migrate"
	"annexe/internal/repo"
)

type testEnv struct {
	DB       *sqlx.DB
	Repo     repo.Repo
	Importer *Importer
	Ctx      context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn.DB))
	ctx := context.Background()
	r := repo.Repo{DB: conn}
	_, err = r.InsertVillage(ctx, nil, "Konoha")
	require.NoError(t, err)
	return testEnv{DB: conn, Repo: r, Importer: New(conn, r, events.Writer{}), Ctx: ctx}
}

func loadFixture(t *testing.T, name string) Document {
	t.Helper()
	doc, err := ParseFile("testdata/" + name)
	require.NoError(t, err)
	return doc
}

func TestImportFormats(t *testing.T) {
	for _, name := range []string{"mission.json", "mission.yaml", "mission.hcl"} {
		t.Run(name, func(t *testing.T) {
			env := newTestEnv(t)
			res, err := env.Importer.Import(env.Ctx, "admin", loadFixture(t, name))
			require.NoError(t, err)
			assert.NotEmpty(t, res.ImportID)
			assert.Equal(t, 2, res.Steps)
			assert.Equal(t, 2, res.Choices)
			assert.Equal(t, 2, res.Conditions)
			assert.Equal(t, 4, res.Finalities)

			m, err := env.Repo.GetMission(env.Ctx, res.MissionID)
			require.NoError(t, err)
			assert.Equal(t, domain.RankC, m.Rank)
			assert.Equal(t, 70, m.PercentMission)
			assert.Equal(t, 100, m.Cash)
			assert.Equal(t, []string{"Konoha"}, m.Villages)
			assert.Equal(t, res.ImportID, m.ImportID)

			start, err := env.Repo.StartStep(env.Ctx, m.ID)
			require.NoError(t, err)
			assert.Equal(t, "The road splits.", start.Description)

			choices, err := env.Repo.ChoicesFrom(env.Ctx, start.ID)
			require.NoError(t, err)
			require.Len(t, choices, 2)
			byValue := map[int]domain.Choice{}
			for _, c := range choices {
				require.NotNil(t, c.ToStepID)
				byValue[c.Value] = c
			}
			forest, ok := byValue[10]
			require.True(t, ok)
			conds, err := env.Repo.ConditionsForChoice(env.Ctx, forest.ID)
			require.NoError(t, err)
			require.Len(t, conds, 1)
			assert.Equal(t, domain.ConditionTime, conds[0].Type)
			assert.Equal(t, 30, conds[0].Value)

			fins, err := env.Repo.FinalitiesForChoice(env.Ctx, forest.ID)
			require.NoError(t, err)
			require.Len(t, fins, 2)
			cash := map[domain.Result]int{}
			for _, f := range fins {
				cash[f.Value] = f.Cash
			}
			assert.Equal(t, map[domain.Result]int{domain.ResultWin: 20, domain.ResultFail: 0}, cash)

			evts, err := env.Repo.ListEvents(env.Ctx, repo.EventFilter{Type: events.MissionImported, Limit: 10})
			require.NoError(t, err)
			assert.Len(t, evts, 1)
		})
	}
}

func TestImportPercentOverride(t *testing.T) {
	env := newTestEnv(t)
	doc := loadFixture(t, "mission.json")
	doc.Nodes[0].Properties["percent_mission"] = 42
	res, err := env.Importer.Import(env.Ctx, "admin", doc)
	require.NoError(t, err)
	m, err := env.Repo.GetMission(env.Ctx, res.MissionID)
	require.NoError(t, err)
	assert.Equal(t, 42, m.PercentMission)
}

func TestImportValidation(t *testing.T) {
	cases := map[string]func(d *Document){
		"unknown village": func(d *Document) {
			d.Nodes[0].Labels = []string{"Mission", "Suna"}
		},
		"no village": func(d *Document) {
			d.Nodes[0].Labels = []string{"Mission"}
		},
		"two missions": func(d *Document) {
			d.Nodes = append(d.Nodes, Node{ID: "extra", Caption: "Mission", Labels: []string{"Mission", "Konoha"},
				Properties: map[string]any{"rank": "B", "title": "Other"}})
		},
		"two start steps": func(d *Document) {
			d.Nodes[6].Labels = []string{"Mission"}
		},
		"dangling relationship": func(d *Document) {
			d.Relationships = append(d.Relationships, Relationship{ID: "bad", FromID: "n1", ToID: "missing"})
		},
		"choice without target": func(d *Document) {
			d.Relationships = d.Relationships[:2]
		},
		"bad finality value": func(d *Document) {
			d.Nodes[7].Properties["value"] = "draw"
		},
		"terminal choice without fail": func(d *Document) {
			d.Relationships = d.Relationships[:len(d.Relationships)-1]
		},
		"bad rank": func(d *Document) {
			d.Nodes[0].Properties["rank"] = "Z"
		},
		"untyped node": func(d *Document) {
			d.Nodes[4].Caption = "Note"
		},
		"step to step": func(d *Document) {
			d.Relationships = append(d.Relationships, Relationship{ID: "ss", FromID: "n1", ToID: "n6"})
		},
		"empty node id": func(d *Document) {
			d.Nodes[4].ID = ""
		},
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			env := newTestEnv(t)
			doc := loadFixture(t, "mission.json")
			mutate(&doc)
			_, err := env.Importer.Import(env.Ctx, "admin", doc)
			require.Error(t, err)
			assert.True(t, apperrors.IsCode(err, apperrors.CodeInvalid), "got %v", err)

			missions, err := env.Repo.ListMissions(env.Ctx, "", "")
			require.NoError(t, err)
			assert.Empty(t, missions)
		})
	}
}

func TestImportRollsBackPartialGraph(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.DB.Exec(`CREATE TRIGGER reject_finality BEFORE INSERT ON finalities BEGIN SELECT RAISE(ABORT, 'rejected'); END;`)
	require.NoError(t, err)

	_, err = env.Importer.Import(env.Ctx, "admin", loadFixture(t, "mission.json"))
	require.Error(t, err)
	assert.True(t, apperrors.IsCode(err, apperrors.CodeStoreError), "got %v", err)

	for _, table := range []string{"missions", "mission_villages", "steps", "choices", "conditions", "finalities"} {
		var n int
		require.NoError(t, env.DB.Get(&n, `SELECT COUNT(*) FROM `+table))
		assert.Zero(t, n, table)
	}
	evts, err := env.Repo.ListEvents(env.Ctx, repo.EventFilter{Type: events.MissionImportFailed, Limit: 10})
	require.NoError(t, err)
	assert.Len(t, evts, 1)
}

func TestMissionNotEligibleWhileWriting(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.DB.Exec(`CREATE TABLE wiring_snapshots(ready INTEGER NOT NULL, villages INTEGER NOT NULL)`)
	require.NoError(t, err)
	_, err = env.DB.Exec(`CREATE TRIGGER snapshot_wiring AFTER UPDATE ON choices BEGIN
		INSERT INTO wiring_snapshots
		SELECT (SELECT COUNT(*) FROM missions WHERE ready = 1), (SELECT COUNT(*) FROM mission_villages);
	END;`)
	require.NoError(t, err)

	res, err := env.Importer.Import(env.Ctx, "admin", loadFixture(t, "mission.json"))
	require.NoError(t, err)

	var snaps []struct {
		Ready    int `db:"ready"`
		Villages int `db:"villages"`
	}
	require.NoError(t, env.DB.Select(&snaps, `SELECT ready, villages FROM wiring_snapshots`))
	require.NotEmpty(t, snaps)
	for _, s := range snaps {
		assert.Zero(t, s.Ready)
		assert.Zero(t, s.Villages)
	}

	missions, err := env.Repo.ListMissions(env.Ctx, domain.RankC, "Konoha")
	require.NoError(t, err)
	require.Len(t, missions, 1)
	assert.Equal(t, res.MissionID, missions[0].ID)
}

func TestUnpublishedMissionIsNotListed(t *testing.T) {
	env := newTestEnv(t)
	id, err := env.Repo.InsertMission(env.Ctx, nil, domain.Mission{Rank: domain.RankC, Title: "Half written", PercentMission: 50})
	require.NoError(t, err)
	require.NoError(t, env.Repo.AttachVillage(env.Ctx, nil, id, "Konoha"))

	missions, err := env.Repo.ListMissions(env.Ctx, domain.RankC, "Konoha")
	require.NoError(t, err)
	assert.Empty(t, missions)

	require.NoError(t, env.Repo.PublishMission(env.Ctx, nil, id))
	missions, err = env.Repo.ListMissions(env.Ctx, domain.RankC, "Konoha")
	require.NoError(t, err)
	assert.Len(t, missions, 1)
}

func TestImportRollsBackFailedPublish(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.DB.Exec(`CREATE TRIGGER reject_publish BEFORE UPDATE OF ready ON missions BEGIN SELECT RAISE(ABORT, 'rejected'); END;`)
	require.NoError(t, err)

	_, err = env.Importer.Import(env.Ctx, "admin", loadFixture(t, "mission.json"))
	require.Error(t, err)
	assert.True(t, apperrors.IsCode(err, apperrors.CodeStoreError), "got %v", err)

	for _, table := range []string{"missions", "mission_villages", "steps", "choices"} {
		var n int
		require.NoError(t, env.DB.Get(&n, `SELECT COUNT(*) FROM `+table))
		assert.Zero(t, n, table)
	}
	evts, err := env.Repo.ListEvents(env.Ctx, repo.EventFilter{Type: events.MissionImported})
	require.NoError(t, err)
	assert.Empty(t, evts)
}

func TestImportSerialisedPerTitle(t *testing.T) {
	env := newTestEnv(t)
	require.True(t, env.Importer.acquire("Escort the merchant"))
	_, err := env.Importer.Import(env.Ctx, "admin", loadFixture(t, "mission.json"))
	assert.True(t, apperrors.IsCode(err, apperrors.CodeConflict), "got %v", err)

	env.Importer.release("Escort the merchant")
	_, err = env.Importer.Import(env.Ctx, "admin", loadFixture(t, "mission.json"))
	require.NoError(t, err)
}
