package acp

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/harun/pilot/pkg/agent"
	"github.com/harun/pilot/pkg/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewServer(t *testing.T) {
	t.Run("should require a store and a runner", func(t *testing.T) {
		_, err := NewServer(Config{})
		assert.Error(t, err)
	})

	t.Run("should reject an unknown no-responder policy", func(t *testing.T) {
		env := setupTestServer(t, &stubProvider{steps: []step{say("hi")}})
		_, err := NewServer(Config{Store: env.store, Runner: env.server.runner, NoResponder: "ask"})
		assert.Error(t, err)
	})

	t.Run("should default to deny", func(t *testing.T) {
		env := setupTestServer(t, &stubProvider{steps: []step{say("hi")}})
		assert.Equal(t, NoResponderDeny, env.server.noResponder)
		assert.False(t, env.server.fallback().Approved)
	})
}

func TestServer_Initialize(t *testing.T) {
	env := setupTestServer(t, &stubProvider{steps: []step{say("hi")}})

	t.Run("should advertise load support and agent info", func(t *testing.T) {
		var res InitializeResult
		env.client.call(MethodInitialize, InitializeParams{
			ProtocolVersion: 1,
			ClientInfo:      &Implementation{Name: "editor", Version: "1.0"},
		}, &res)

		assert.Equal(t, ProtocolVersion, res.ProtocolVersion)
		assert.True(t, res.AgentCapabilities.LoadSession)
		assert.Equal(t, "pilot", res.AgentInfo.Name)
		assert.Equal(t, "test", res.AgentInfo.Version)
		assert.NotNil(t, res.AuthMethods)
	})

	t.Run("should accept authenticate as a no-op", func(t *testing.T) {
		env.client.call(MethodAuthenticate, map[string]string{"methodId": "none"}, nil)
	})

	t.Run("should reject unknown methods", func(t *testing.T) {
		msg := env.client.request("session/unknown", map[string]string{})
		require.NotNil(t, msg.Error)
		assert.Equal(t, MethodNotFound, msg.Error.Code)
	})
}

func TestServer_SessionLifecycle(t *testing.T) {
	t.Run("should create a session and announce commands", func(t *testing.T) {
		env := setupTestServer(t, &stubProvider{steps: []step{say("hi")}})

		var res SessionResult
		env.client.call(MethodSessionNew, SessionParams{CWD: env.cwd}, &res)
		require.NotEmpty(t, res.SessionID)
		require.NotNil(t, res.Modes)
		assert.Equal(t, session.ModeDefault, res.Modes.CurrentModeID)
		assert.Len(t, res.Modes.AvailableModes, 2)

		st, ok := env.store.Get(res.SessionID)
		require.True(t, ok)
		assert.Equal(t, env.cwd, st.CWD)

		assert.Eventually(t, func() bool {
			return len(env.client.updatesOf(UpdateAvailableCommands)) == 1
		}, 2*time.Second, 10*time.Millisecond)
		cmds := env.client.updatesOf(UpdateAvailableCommands)[0]["availableCommands"].([]interface{})
		assert.Len(t, cmds, len(availableCommands))
	})

	t.Run("should replay the transcript on load", func(t *testing.T) {
		env := setupTestServer(t, &stubProvider{steps: []step{say("hi")}})
		id := env.client.newSession(env.cwd)
		require.Equal(t, StopEndTurn, env.client.prompt(id, "hello"))

		var res SessionResult
		env.client.call(MethodSessionLoad, SessionParams{SessionID: id, CWD: env.cwd}, &res)
		require.NotNil(t, res.Modes)

		users := env.client.updatesOf(UpdateUserMessageChunk)
		require.Len(t, users, 1)
		assert.Equal(t, "hello", chunkText(users[0]))

		// one from the prompt itself, one from the replay
		agents := env.client.updatesOf(UpdateAgentMessageChunk)
		require.Len(t, agents, 2)
		assert.Equal(t, "hi", chunkText(agents[1]))
	})

	t.Run("should start a fresh session when loading an unknown id", func(t *testing.T) {
		env := setupTestServer(t, &stubProvider{steps: []step{say("hi")}})

		env.client.call(MethodSessionLoad, SessionParams{SessionID: "restored-id", CWD: env.cwd}, nil)
		st, ok := env.store.Get("restored-id")
		require.True(t, ok)
		assert.Empty(t, st.History)
	})

	t.Run("should fork with config, mode and the new cwd", func(t *testing.T) {
		env := setupTestServer(t, &stubProvider{steps: []step{say("hi")}})
		id := env.client.newSession(env.cwd)
		env.client.call(MethodSessionSetMode, SetModeParams{SessionID: id, ModeID: session.ModePlan}, nil)
		env.client.prompt(id, "hello")

		other := t.TempDir()
		var res SessionResult
		env.client.call(MethodSessionFork, SessionParams{SessionID: id, CWD: other}, &res)
		require.NotEmpty(t, res.SessionID)
		assert.NotEqual(t, id, res.SessionID)
		assert.Equal(t, session.ModePlan, res.Modes.CurrentModeID)

		fork, ok := env.store.Get(res.SessionID)
		require.True(t, ok)
		assert.Equal(t, other, fork.CWD)
		assert.Equal(t, 20, fork.Config.MaxSteps)
		assert.Equal(t, session.ModePlan, fork.ModeID)

		src, _ := env.store.Get(id)
		assert.Equal(t, len(src.History), len(fork.History))
	})

	t.Run("should report forking an unknown session", func(t *testing.T) {
		env := setupTestServer(t, &stubProvider{steps: []step{say("hi")}})

		msg := env.client.request(MethodSessionFork, SessionParams{SessionID: "missing", CWD: env.cwd})
		require.NotNil(t, msg.Error)
		assert.Equal(t, ResourceNotFound, msg.Error.Code)
	})

	t.Run("should resume and list sessions", func(t *testing.T) {
		env := setupTestServer(t, &stubProvider{steps: []step{say("hi")}})
		first := env.client.newSession(env.cwd)
		second := env.client.newSession(t.TempDir())

		env.client.call(MethodSessionResume, SessionParams{SessionID: first, CWD: env.cwd}, nil)

		var all ListResult
		env.client.call(MethodSessionList, ListParams{}, &all)
		assert.Len(t, all.Sessions, 2)

		var filtered ListResult
		env.client.call(MethodSessionList, ListParams{CWD: env.cwd}, &filtered)
		require.Len(t, filtered.Sessions, 1)
		assert.Equal(t, first, filtered.Sessions[0].SessionID)
		assert.NotEqual(t, second, filtered.Sessions[0].SessionID)
	})

	t.Run("should require a session id", func(t *testing.T) {
		env := setupTestServer(t, &stubProvider{steps: []step{say("hi")}})

		for _, method := range []string{MethodSessionLoad, MethodSessionFork, MethodSessionResume, MethodSessionPrompt} {
			msg := env.client.request(method, map[string]string{"cwd": env.cwd})
			require.NotNil(t, msg.Error, method)
			assert.Equal(t, InvalidParams, msg.Error.Code, method)
		}
	})
}

func TestServer_SessionSettings(t *testing.T) {
	env := setupTestServer(t, &stubProvider{steps: []step{say("hi")}})
	id := env.client.newSession(env.cwd)

	t.Run("should switch modes", func(t *testing.T) {
		env.client.call(MethodSessionSetMode, SetModeParams{SessionID: id, ModeID: session.ModePlan}, nil)
		st, _ := env.store.Get(id)
		assert.Equal(t, session.ModePlan, st.ModeID)
	})

	t.Run("should reject unknown modes", func(t *testing.T) {
		msg := env.client.request(MethodSessionSetMode, SetModeParams{SessionID: id, ModeID: "yolo"})
		require.NotNil(t, msg.Error)
		assert.Equal(t, InvalidParams, msg.Error.Code)
	})

	t.Run("should report unknown sessions", func(t *testing.T) {
		msg := env.client.request(MethodSessionSetModel, SetModelParams{SessionID: "missing", ModelID: "gpt-4o"})
		require.NotNil(t, msg.Error)
		assert.Equal(t, ResourceNotFound, msg.Error.Code)
	})

	t.Run("should record the model", func(t *testing.T) {
		env.client.call(MethodSessionSetModel, SetModelParams{SessionID: id, ModelID: "gpt-4o"}, nil)
		st, _ := env.store.Get(id)
		assert.Equal(t, "gpt-4o", st.ModelID)
	})

	t.Run("should patch the session config", func(t *testing.T) {
		steps := 5
		prompt := "Be brief."
		env.client.call(MethodSessionSetConfig, SetConfigParams{
			SessionID: id,
			Config:    session.Patch{MaxSteps: &steps, SystemPrompt: &prompt},
		}, nil)

		st, _ := env.store.Get(id)
		assert.Equal(t, 5, st.Config.MaxSteps)
		assert.Equal(t, "Be brief.", st.Config.SystemPrompt)
		assert.True(t, st.Config.RequirePermission)
	})

	t.Run("should reject negative limits", func(t *testing.T) {
		retries := -1
		msg := env.client.request(MethodSessionSetConfig, SetConfigParams{
			SessionID: id,
			Config:    session.Patch{Retries: &retries},
		})
		require.NotNil(t, msg.Error)
		assert.Equal(t, InvalidParams, msg.Error.Code)
	})
}

func TestServer_Prompt(t *testing.T) {
	t.Run("should answer a prompt and record the turn", func(t *testing.T) {
		env := setupTestServer(t, &stubProvider{steps: []step{say("hi")}})
		id := env.client.newSession(env.cwd)

		assert.Equal(t, StopEndTurn, env.client.prompt(id, "hello"))

		chunks := env.client.updatesOf(UpdateAgentMessageChunk)
		require.Len(t, chunks, 1)
		assert.Equal(t, "hi", chunkText(chunks[0]))

		st, ok := env.store.Get(id)
		require.True(t, ok)
		n := len(st.History)
		require.GreaterOrEqual(t, n, 2)
		assert.Equal(t, session.RoleUser, st.History[n-2].Role)
		assert.Equal(t, "hello", st.History[n-2].Content)
		assert.Equal(t, session.RoleAssistant, st.History[n-1].Role)
		assert.Equal(t, "hi", st.History[n-1].Content)
		assert.Equal(t, "resp-hi", st.LastResponseID)
		assert.Equal(t, "hello", st.Title)

		info := env.client.updatesOf(UpdateSessionInfo)
		require.Len(t, info, 1)
		assert.Equal(t, "hello", info[0]["title"])

		usage := env.client.updatesOf(UpdateUsage)
		require.Len(t, usage, 1)
		assert.Equal(t, float64(12), usage[0]["totalTokens"])
	})

	t.Run("should continue the conversation on the next prompt", func(t *testing.T) {
		env := setupTestServer(t, &stubProvider{steps: []step{say("first"), say("second")}})
		id := env.client.newSession(env.cwd)

		env.client.prompt(id, "one")
		env.client.prompt(id, "two")

		reqs := env.provider.Requests()
		require.Len(t, reqs, 2)
		assert.Equal(t, "resp-first", reqs[1].PreviousResponseID)
		last := reqs[1].Messages[len(reqs[1].Messages)-1]
		assert.Equal(t, "two", last.Content)

		st, _ := env.store.Get(id)
		assert.Equal(t, "one", st.Title)
	})

	t.Run("should mark plan mode prompts", func(t *testing.T) {
		env := setupTestServer(t, &stubProvider{steps: []step{say("plan ready")}})
		id := env.client.newSession(env.cwd)
		env.client.call(MethodSessionSetMode, SetModeParams{SessionID: id, ModeID: session.ModePlan}, nil)

		env.client.prompt(id, "implement X")

		reqs := env.provider.Requests()
		require.Len(t, reqs, 1)
		last := reqs[0].Messages[len(reqs[0].Messages)-1]
		assert.True(t, strings.HasPrefix(last.Content, agent.PlanPrefix))
		assert.True(t, strings.HasSuffix(last.Content, "implement X"))
	})

	t.Run("should switch modes with a slash command", func(t *testing.T) {
		env := setupTestServer(t, &stubProvider{steps: []step{say("ok")}})
		id := env.client.newSession(env.cwd)

		assert.Equal(t, StopEndTurn, env.client.prompt(id, "/plan"))
		assert.Empty(t, env.provider.Requests())
		st, _ := env.store.Get(id)
		assert.Equal(t, session.ModePlan, st.ModeID)

		modes := env.client.updatesOf(UpdateCurrentMode)
		require.Len(t, modes, 1)
		assert.Equal(t, session.ModePlan, modes[0]["currentModeId"])

		env.client.prompt(id, "/default fix the bug")
		reqs := env.provider.Requests()
		require.Len(t, reqs, 1)
		last := reqs[0].Messages[len(reqs[0].Messages)-1]
		assert.Equal(t, "fix the bug", last.Content)
	})

	t.Run("should reject an empty prompt", func(t *testing.T) {
		env := setupTestServer(t, &stubProvider{steps: []step{say("ok")}})
		id := env.client.newSession(env.cwd)

		msg := env.client.request(MethodSessionPrompt, PromptParams{SessionID: id, Prompt: []ContentBlock{{Type: "image"}}})
		require.NotNil(t, msg.Error)
		assert.Equal(t, InvalidParams, msg.Error.Code)
	})

	t.Run("should report model failures and keep the session usable", func(t *testing.T) {
		env := setupTestServer(t, &stubProvider{steps: []step{failWith("upstream down"), say("back")}})
		id := env.client.newSession(env.cwd)

		assert.Equal(t, StopEndTurn, env.client.prompt(id, "hello"))
		chunks := env.client.updatesOf(UpdateAgentMessageChunk)
		require.Len(t, chunks, 1)
		assert.True(t, strings.HasPrefix(chunkText(chunks[0]), errorPrefix))
		assert.Contains(t, chunkText(chunks[0]), "upstream down")

		assert.Equal(t, StopEndTurn, env.client.prompt(id, "again"))
		chunks = env.client.updatesOf(UpdateAgentMessageChunk)
		require.Len(t, chunks, 2)
		assert.Equal(t, "back", chunkText(chunks[1]))
	})

	t.Run("should resume an unopened session", func(t *testing.T) {
		env := setupTestServer(t, &stubProvider{steps: []step{say("hi")}})

		assert.Equal(t, StopEndTurn, env.client.prompt("never-opened", "hello"))
		st, ok := env.store.Get("never-opened")
		require.True(t, ok)
		assert.Equal(t, env.cwd, st.CWD)
	})
}

func TestServer_ToolCalls(t *testing.T) {
	t.Run("should stream tool calls and ask for permission", func(t *testing.T) {
		env := setupTestServer(t, &stubProvider{steps: []step{
			useTool("call-1", "bash", map[string]interface{}{"command": "ls"}),
			say("done"),
		}})
		env.client.setPermissionHandler(func(p PermissionParams) (*PermissionResult, error) {
			return &PermissionResult{Outcome: PermissionOutcome{Outcome: "selected", OptionID: OptionAllowOnce}}, nil
		})
		id := env.client.newSession(env.cwd)

		assert.Equal(t, StopEndTurn, env.client.prompt(id, "list files"))

		perms := env.client.permissionRequests()
		require.Len(t, perms, 1)
		assert.Equal(t, id, perms[0].SessionID)
		assert.Equal(t, "call-1", perms[0].ToolCall.ToolCallID)
		assert.Equal(t, "bash: ls", perms[0].ToolCall.Title)
		assert.Len(t, perms[0].Options, 3)

		starts := env.client.updatesOf(UpdateToolCall)
		require.Len(t, starts, 1)
		assert.Equal(t, "call-1", starts[0]["toolCallId"])
		assert.Equal(t, "execute", starts[0]["kind"])
		assert.Equal(t, "in_progress", starts[0]["status"])

		updates := env.client.updatesOf(UpdateToolCallUpdate)
		require.NotEmpty(t, updates)
		final := updates[len(updates)-1]
		assert.Equal(t, "completed", final["status"])
		assert.Equal(t, "ran ls", toolContentText(final))

		reqs := env.provider.Requests()
		require.Len(t, reqs, 2)
		last := reqs[1].Messages[len(reqs[1].Messages)-1]
		assert.Equal(t, session.RoleTool, last.Role)
		assert.Equal(t, "ran ls", last.Content)
	})

	t.Run("should feed a rejection back to the model", func(t *testing.T) {
		env := setupTestServer(t, &stubProvider{steps: []step{
			useTool("call-1", "bash", map[string]interface{}{"command": "rm -rf /"}),
			say("understood"),
		}})
		env.client.setPermissionHandler(func(p PermissionParams) (*PermissionResult, error) {
			return &PermissionResult{Outcome: PermissionOutcome{Outcome: "selected", OptionID: OptionRejectOnce}}, nil
		})
		id := env.client.newSession(env.cwd)

		assert.Equal(t, StopEndTurn, env.client.prompt(id, "clean up"))

		updates := env.client.updatesOf(UpdateToolCallUpdate)
		require.NotEmpty(t, updates)
		final := updates[len(updates)-1]
		assert.Equal(t, "failed", final["status"])
		assert.Contains(t, toolContentText(final), "Permission denied")
	})

	t.Run("should ask once after always allow", func(t *testing.T) {
		env := setupTestServer(t, &stubProvider{steps: []step{
			useTool("call-1", "bash", map[string]interface{}{"command": "ls"}),
			useTool("call-2", "bash", map[string]interface{}{"command": "pwd"}),
			say("done"),
		}})
		env.client.setPermissionHandler(func(p PermissionParams) (*PermissionResult, error) {
			return &PermissionResult{Outcome: PermissionOutcome{Outcome: "selected", OptionID: OptionAllowAlways}}, nil
		})
		id := env.client.newSession(env.cwd)

		env.client.prompt(id, "look around")
		assert.Len(t, env.client.permissionRequests(), 1)

		reqs := env.provider.Requests()
		require.Len(t, reqs, 3)
		last := reqs[2].Messages[len(reqs[2].Messages)-1]
		assert.Equal(t, "ran pwd", last.Content)
	})

	t.Run("should deny when the client cannot answer", func(t *testing.T) {
		env := setupTestServer(t, &stubProvider{steps: []step{
			useTool("call-1", "bash", map[string]interface{}{"command": "ls"}),
			say("ok"),
		}})
		env.client.setPermissionHandler(func(p PermissionParams) (*PermissionResult, error) {
			return nil, errors.New("dialog crashed")
		})
		id := env.client.newSession(env.cwd)

		env.client.prompt(id, "list")

		reqs := env.provider.Requests()
		require.Len(t, reqs, 2)
		last := reqs[1].Messages[len(reqs[1].Messages)-1]
		assert.Contains(t, last.Content, "Permission denied")
	})

	t.Run("should allow when the policy says so", func(t *testing.T) {
		env := setupTestServer(t, &stubProvider{steps: []step{
			useTool("call-1", "bash", map[string]interface{}{"command": "ls"}),
			say("ok"),
		}}, func(cfg *Config) {
			cfg.NoResponder = NoResponderAllow
		})
		id := env.client.newSession(env.cwd)

		env.client.prompt(id, "list")

		reqs := env.provider.Requests()
		require.Len(t, reqs, 2)
		last := reqs[1].Messages[len(reqs[1].Messages)-1]
		assert.Equal(t, "ran ls", last.Content)
	})
}

func TestServer_Cancel(t *testing.T) {
	t.Run("should ignore cancel without a running prompt", func(t *testing.T) {
		env := setupTestServer(t, &stubProvider{steps: []step{say("hi")}})
		id := env.client.newSession(env.cwd)

		env.client.notify(MethodSessionCancel, CancelParams{SessionID: id})
		assert.Equal(t, StopEndTurn, env.client.prompt(id, "hello"))
	})

	t.Run("should stop a prompt waiting for permission", func(t *testing.T) {
		env := setupTestServer(t, &stubProvider{steps: []step{
			useTool("call-1", "bash", map[string]interface{}{"command": "sleep 100"}),
			say("never"),
		}})
		asked := make(chan struct{}, 1)
		release := make(chan struct{})
		t.Cleanup(func() { close(release) })
		env.client.setPermissionHandler(func(p PermissionParams) (*PermissionResult, error) {
			asked <- struct{}{}
			<-release
			return &PermissionResult{Outcome: PermissionOutcome{Outcome: "cancelled"}}, nil
		})
		id := env.client.newSession(env.cwd)

		stop := make(chan string, 1)
		go func() {
			raw, _ := json.Marshal(PromptParams{SessionID: id, Prompt: []ContentBlock{{Type: "text", Text: "wait"}}})
			msg := env.client.request(MethodSessionPrompt, json.RawMessage(raw))
			var res PromptResult
			if msg != nil && msg.Error == nil {
				_ = json.Unmarshal(msg.Result, &res)
			}
			stop <- res.StopReason
		}()

		select {
		case <-asked:
		case <-time.After(5 * time.Second):
			t.Fatal("permission was never requested")
		}
		env.client.notify(MethodSessionCancel, CancelParams{SessionID: id})

		select {
		case reason := <-stop:
			assert.Equal(t, StopCancelled, reason)
		case <-time.After(5 * time.Second):
			t.Fatal("prompt did not stop")
		}
		assert.Len(t, env.provider.Requests(), 1)
		assert.Nil(t, env.store.ActivePrompt(id))
	})
}
