// Copyright (C) The PALM Cohort Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package main

import (
	palm "github.com/ieoresearch/phenotype-genotype"
)

func main() {
	palm.Main()
}
