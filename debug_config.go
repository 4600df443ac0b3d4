package main

import (
	"fmt"
	"log"

	"github.com/genmedia/gateway/internal/config"
)

func mask(s string) string {
	if s == "" {
		return "(unset)"
	}
	if len(s) <= 6 {
		return "***"
	}
	return s[:3] + "..." + s[len(s)-3:]
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal(err)
	}

	fmt.Printf("AppEnv: '%s'\n", cfg.AppEnv)
	fmt.Printf("OpenAIAPIKey: '%s'\n", mask(cfg.OpenAIAPIKey))
	fmt.Printf("StabilityAPIKey: '%s'\n", mask(cfg.StabilityAPIKey))
	fmt.Printf("RecraftAPIKey: '%s'\n", mask(cfg.RecraftAPIKey))
	fmt.Printf("FluxAPIKey: '%s'\n", mask(cfg.FluxAPIKey))
	fmt.Printf("TripoAPIKey: '%s'\n", mask(cfg.TripoAPIKey))
	fmt.Printf("RegistrationSecret: '%s'\n", mask(cfg.RegistrationSecret))
	fmt.Printf("SeedTenantsFile: '%s'\n", cfg.SeedTenantsFile)
	fmt.Printf("TestAssetsMode: %v\n", cfg.TestAssetsMode)
}
