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

package cmd

import (
	"github.com/spf13/cobra"
)

// RootCmd is the root Cobra command that gets called from main. All other
// sub-commands are registered here.
func RootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "trino-lb",
		Short: "trino-lb load balances, routes, and queues queries across Trino clusters",
	}
	root.AddCommand(runCmd())
	return root
}
