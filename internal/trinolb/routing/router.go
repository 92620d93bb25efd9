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

// Package routing implements the router chain that classifies an incoming
// statement into a cluster group: header-based, client-tags-based, script-
// based, and explain-cost-based strategies, walked in declared order.
package routing

import (
	"context"
	"net/http"
	"strings"

	log "github.com/sirupsen/logrus"
)

// Router classifies a statement into a cluster group name, or reports no
// decision. A decision for a group that turns out not to be configured is
// discarded by the Chain, which then continues to the next router.
type Router interface {
	Name() string
	Classify(ctx context.Context, statement string, headers http.Header) (group string, ok bool)
}

// Chain walks its routers in order and returns the first decision that
// names a configured group, falling back to routingFallback if none decide.
type Chain struct {
	routers          []Router
	routingFallback  string
	configuredGroups func(string) bool
}

// NewChain returns a Chain. configuredGroups reports whether a candidate
// group name is actually configured; decisions for unconfigured groups are
// discarded and the chain continues.
func NewChain(routingFallback string, configuredGroups func(string) bool, routers ...Router) *Chain {
	return &Chain{routers: routers, routingFallback: routingFallback, configuredGroups: configuredGroups}
}

// Route runs the chain against statement/headers.
func (c *Chain) Route(ctx context.Context, statement string, headers http.Header) string {
	for _, r := range c.routers {
		group, ok := r.Classify(ctx, statement, headers)
		if !ok {
			continue
		}
		if !c.configuredGroups(group) {
			log.WithFields(log.Fields{"router": r.Name(), "group": group}).
				Warn("router named an unconfigured group, continuing chain")
			continue
		}
		return group
	}
	return c.routingFallback
}

// HeaderRouter reads a single configured header and returns its value
// verbatim as the group name.
type HeaderRouter struct {
	Header string
}

// NewHeaderRouter returns a HeaderRouter reading header (defaulting to
// X-Trino-Routing-Group when empty).
func NewHeaderRouter(header string) *HeaderRouter {
	if header == "" {
		header = "X-Trino-Routing-Group"
	}
	return &HeaderRouter{Header: header}
}

func (r *HeaderRouter) Name() string { return "header" }

func (r *HeaderRouter) Classify(_ context.Context, _ string, headers http.Header) (string, bool) {
	v := headers.Get(r.Header)
	if v == "" {
		return "", false
	}
	return v, true
}

// ClientTagsRouter parses X-Trino-Client-Tags as a comma-separated multiset
// and returns Target if the configured oneOf/allOf condition is satisfied.
type ClientTagsRouter struct {
	Target string
	OneOf  []string
	AllOf  []string
}

func (r *ClientTagsRouter) Name() string { return "client_tags" }

func (r *ClientTagsRouter) Classify(_ context.Context, _ string, headers http.Header) (string, bool) {
	raw := headers.Get("X-Trino-Client-Tags")
	if raw == "" {
		return "", false
	}
	tags := make(map[string]bool)
	for _, t := range strings.Split(raw, ",") {
		tags[strings.TrimSpace(t)] = true
	}

	if len(r.OneOf) > 0 {
		for _, t := range r.OneOf {
			if tags[t] {
				return r.Target, true
			}
		}
		return "", false
	}
	if len(r.AllOf) > 0 {
		for _, t := range r.AllOf {
			if !tags[t] {
				return "", false
			}
		}
		return r.Target, true
	}
	return "", false
}
