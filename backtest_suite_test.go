// Copyright (c) 2024 Neomantra Corp

package backtest_test

import (
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

func TestBacktest(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "backtest core suite")
}
