package pipeline

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qhub-dev/qhubctl/internal/config"
	"github.com/qhub-dev/qhubctl/internal/env"
	"github.com/qhub-dev/qhubctl/internal/provider"
)

func newTestStage(t *testing.T, d Descriptor, backend Backend) *Stage {
	t.Helper()
	cfg := testConfig(t)
	return &Stage{
		desc:     d,
		target:   TargetDir(cfg.StagesDir(), d.subdir(), cfg.Provider),
		cfg:      cfg,
		backend:  backend,
		renderer: diskRenderer{},
		outputs:  newView(NewBus(), []string{d.ID}),
		ambient:  func() env.Vars { return env.Vars{} },
		logger:   testLogger(),
	}
}

func TestTargetDir(t *testing.T) {
	assert.Equal(t, "stages/02-infrastructure/aws", TargetDir("stages", "02-infrastructure", provider.AWS))
	assert.Equal(t, TargetDir("r", "s", provider.GCP), TargetDir("r", "s", provider.GCP))
}

func TestStageDestroy(t *testing.T) {
	boom := errors.New("state lock held")
	failing := &fakeBackend{failOn: func(context.Context, Invocation) error { return boom }}

	t.Run("ignore errors", func(t *testing.T) {
		st := newTestStage(t, plainStage("05-kubernetes-keycloak"), failing)
		ok, err := st.Destroy(context.Background(), true, DestroyFlags)
		assert.False(t, ok)
		assert.NoError(t, err)
		require.ErrorIs(t, st.Suppressed(), boom)
		assert.True(t, IsBackendInvocationError(st.Suppressed()))
	})

	t.Run("surface errors", func(t *testing.T) {
		st := newTestStage(t, plainStage("05-kubernetes-keycloak"), failing)
		ok, err := st.Destroy(context.Background(), false, DestroyFlags)
		assert.False(t, ok)
		require.ErrorIs(t, err, boom)
		assert.True(t, IsBackendInvocationError(err))
	})

	t.Run("success", func(t *testing.T) {
		backend := &fakeBackend{}
		st := newTestStage(t, plainStage("05-kubernetes-keycloak"), backend)
		ok, err := st.Destroy(context.Background(), false, DestroyFlags)
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, Destroyed, st.State())
		require.Len(t, backend.calls, 1)
		assert.True(t, backend.calls[0].Import)
		assert.True(t, backend.calls[0].Destroy)
		assert.False(t, backend.calls[0].Apply)

		again, err := st.Destroy(context.Background(), false, DestroyFlags)
		require.NoError(t, err)
		assert.True(t, again)
	})
}

func TestStageDeployPassesVariablesAndImports(t *testing.T) {
	backend := &fakeBackend{outputs: map[string]Outputs{"01-terraform-state": {"ok": true}}}
	d := plainStage("01-terraform-state")
	d.Import = true
	d.InputVariables = func(cfg *config.Config, _ View) (map[string]any, error) {
		return map[string]any{"name": cfg.ProjectName}, nil
	}
	d.StateImports = func(cfg *config.Config, _ View) (map[string]string, error) {
		return map[string]string{"aws_s3_bucket.state": cfg.ProjectName + "-state"}, nil
	}
	st := newTestStage(t, d, backend)

	out, err := st.Deploy(context.Background(), Flags{Init: true, Import: true, Apply: true})
	require.NoError(t, err)
	assert.Equal(t, Outputs{"ok": true}, out)
	assert.Equal(t, Deployed, st.State())

	inv := backend.calls[0]
	assert.Equal(t, st.Target(), inv.Dir)
	assert.Equal(t, map[string]any{"name": "demo"}, inv.Variables)
	assert.Equal(t, map[string]string{"aws_s3_bucket.state": "demo-state"}, inv.Imports)

	_, err = st.Deploy(context.Background(), Flags{Init: true, Apply: true})
	require.NoError(t, err)
	assert.Nil(t, backend.calls[1].Imports)
}

func TestStageInputVariableErrors(t *testing.T) {
	backend := &fakeBackend{}
	d := plainStage("07-kubernetes-services")
	d.InputVariables = func(_ *config.Config, outputs View) (map[string]any, error) {
		_, err := outputs.Value("04-kubernetes-ingress", "load_balancer_address")
		return nil, err
	}
	st := newTestStage(t, d, backend)

	_, err := st.Deploy(context.Background(), Flags{Init: true, Apply: true})
	assert.True(t, IsMissingDependencyError(err))
	assert.Empty(t, backend.calls)
	assert.Equal(t, Unrendered, st.State())
}

func TestStageLifecycleMovesForward(t *testing.T) {
	st := newTestStage(t, plainStage("a"), &fakeBackend{})
	require.NoError(t, st.advance(Deployed))
	assert.Error(t, st.advance(Rendered))
	require.NoError(t, st.advance(Destroyed))
	require.NoError(t, st.advance(Destroyed))
	assert.Equal(t, "destroyed", st.State().String())
}

func TestStageCheckWrapsFailure(t *testing.T) {
	d := plainStage("03-kubernetes-initialize")
	d.Check = func(_ context.Context, cc CheckContext) error {
		if cc.StageID != "03-kubernetes-initialize" {
			return errors.New("wrong stage")
		}
		return errors.New("namespace dev not found")
	}
	st := newTestStage(t, d, &fakeBackend{})
	err := st.Check(context.Background())
	var cf *CheckFailure
	require.ErrorAs(t, err, &cf)
	assert.Equal(t, "03-kubernetes-initialize", cf.Stage)
	assert.ErrorContains(t, err, "namespace dev not found")
}

func TestArtifactDigestIsStable(t *testing.T) {
	a := Artifact{Files: map[string][]byte{"b.tf": []byte("b"), "a.tf": []byte("a")}}
	b := Artifact{Files: map[string][]byte{"a.tf": []byte("a"), "b.tf": []byte("b")}}
	assert.Equal(t, a.Digest(), b.Digest())
	assert.Equal(t, []string{"a.tf", "b.tf"}, a.Names())

	c := Artifact{Files: map[string][]byte{"a.tf": []byte("ab"), "b.tf": []byte("")}}
	assert.NotEqual(t, a.Digest(), c.Digest())
}
