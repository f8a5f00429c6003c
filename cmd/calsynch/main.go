package main

// @title           Calsynch API
// @version         1.0
// @description     Bidirectional calendar synchronization engine. Manage subscriptions and receive connector callbacks.

// @contact.name   Calsynch OSS
// @contact.url    https://github.com/custodia-labs/calsynch/issues

// @license.name  Apache 2.0
// @license.url   http://www.apache.org/licenses/LICENSE-2.0.html

// @BasePath  /api/v1
// @schemes   http https

// @securityDefinitions.apikey BearerAuth
// @in header
// @name Authorization
// @description JWT Bearer token. Format: "Bearer {token}"

import (
	"fmt"
	"os"
)

var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
