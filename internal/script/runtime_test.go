package script

import (
	"context"
	"testing"
	"time"

	"github.com/vkuzn/groupsyncd/internal/storage/kv"
	lua "github.com/yuin/gopher-lua"
)

func TestNotifyResult_CallsHook(t *testing.T) {
	r := NewRuntime(kv.NewManager(nil))
	defer r.Close()

	script := `
		local groupsync = require("groupsync")
		results = {}
		groupsync.on_result(function(res)
			results[#results + 1] = res.device_id .. ":" .. res.outcome
		end)
	`
	if err := r.L.DoString(script); err != nil {
		t.Fatalf("DoString: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Run(ctx)

	r.NotifyResult(map[string]any{
		"device_id": "101",
		"outcome":   "converged",
		"attempts":  2,
	})

	deadline := time.After(2 * time.Second)
	for {
		done := make(chan lua.LValue, 1)
		if !r.Do(func(ctx context.Context) {
			tbl := r.L.GetGlobal("results").(*lua.LTable)
			done <- tbl.RawGetInt(1)
		}) {
			t.Fatal("runtime rejected work")
		}

		select {
		case v := <-done:
			if v != lua.LNil {
				if v.String() != "101:converged" {
					t.Fatalf("hook result = %q, want 101:converged", v.String())
				}
				return
			}
		case <-deadline:
			t.Fatal("hook never ran")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestNotifyResult_NoHooks(t *testing.T) {
	r := NewRuntime(kv.NewManager(nil))
	defer r.Close()

	// Must not enqueue work or panic without registered hooks
	r.NotifyResult(map[string]any{"device_id": "1"})
	if len(r.workQueue) != 0 {
		t.Errorf("work queued with no hooks registered")
	}
}
