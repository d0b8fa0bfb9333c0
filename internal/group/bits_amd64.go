// Copyright 2024 The Cockroach Authors
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

//go:build amd64 && !purego

package group

import "golang.org/x/sys/cpu"

// hasBitCount reports whether the CPU implements POPCNT and the BMI1
// TZCNT/LZCNT family. Pre-Haswell CPUs lack BMI1.
var hasBitCount = cpu.X86.HasPOPCNT && cpu.X86.HasBMI1
