// Copyright 2025 Esteban Alvarez. All Rights Reserved.
//
// Created: October 2025
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package routing

import (
	"context"
	"net/http"
	"time"

	lua "github.com/yuin/gopher-lua"
)

// scriptJob is one classify request handed to the worker goroutine.
type scriptJob struct {
	statement string
	headers   http.Header
	result    chan scriptResult
}

type scriptResult struct {
	group string
	ok    bool
}

// ScriptRouter evaluates a user-provided Lua script defining a global
// function targetClusterGroup(query, headers) -> string|nil. The
// interpreter is initialized once per process and every classification is
// shunted onto a single dedicated worker goroutine so a slow or malicious
// script never blocks the I/O reactor, matching the "embedded scripting"
// resource-boundedness note in the design.
type ScriptRouter struct {
	jobs    chan scriptJob
	timeout time.Duration
}

// NewScriptRouter compiles source once and starts the dedicated worker.
// Returns an error if the script fails to compile or does not define
// targetClusterGroup.
func NewScriptRouter(source string, timeout time.Duration) (*ScriptRouter, error) {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	state := lua.NewState()
	if err := state.DoString(source); err != nil {
		return nil, err
	}
	fn := state.GetGlobal("targetClusterGroup")
	if fn.Type() != lua.LTFunction {
		return nil, errScriptMissingFunction
	}

	r := &ScriptRouter{jobs: make(chan scriptJob), timeout: timeout}
	go r.worker(state, fn)
	return r, nil
}

var errScriptMissingFunction = scriptError("script does not define targetClusterGroup(query, headers)")

type scriptError string

func (e scriptError) Error() string { return string(e) }

func (r *ScriptRouter) worker(state *lua.LState, fn lua.LValue) {
	defer state.Close()
	for job := range r.jobs {
		job.result <- r.evaluate(state, fn, job)
	}
}

func (r *ScriptRouter) evaluate(state *lua.LState, fn lua.LValue, job scriptJob) scriptResult {
	headerTable := state.NewTable()
	for k, vs := range job.headers {
		if len(vs) > 0 {
			headerTable.RawSetString(k, lua.LString(vs[0]))
		}
	}

	if err := state.CallByParam(lua.P{Fn: fn, NRet: 1, Protect: true}, lua.LString(job.statement), headerTable); err != nil {
		return scriptResult{}
	}
	ret := state.Get(-1)
	state.Pop(1)

	if ret.Type() != lua.LTString {
		return scriptResult{}
	}
	return scriptResult{group: ret.String(), ok: true}
}

func (r *ScriptRouter) Name() string { return "script" }

// Classify submits the statement to the dedicated script worker and blocks
// up to r.timeout for a result. A timeout is treated as "router abstained"
// (§7 error taxonomy: Scripting kind), never as a request failure.
func (r *ScriptRouter) Classify(ctx context.Context, statement string, headers http.Header) (string, bool) {
	resultCh := make(chan scriptResult, 1)
	select {
	case r.jobs <- scriptJob{statement: statement, headers: headers, result: resultCh}:
	case <-time.After(r.timeout):
		return "", false
	case <-ctx.Done():
		return "", false
	}

	select {
	case res := <-resultCh:
		return res.group, res.ok
	case <-time.After(r.timeout):
		return "", false
	case <-ctx.Done():
		return "", false
	}
}

// Close stops the dedicated worker goroutine.
func (r *ScriptRouter) Close() { close(r.jobs) }
