package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/af-corp/rewrite-gateway/internal/auth"
	"github.com/af-corp/rewrite-gateway/internal/config"
)

func main() {
	name := flag.String("name", "", "human-friendly key name (required)")
	id := flag.String("id", "", "key id (defaults to the display prefix of the key)")
	env := flag.String("env", "prod", "environment prefix")
	models := flag.String("models", "", "comma-separated list of allowed models (empty allows all)")
	flag.Parse()

	if *name == "" {
		flag.Usage()
		fmt.Fprintln(os.Stderr, "\nerror: -name is required")
		os.Exit(1)
	}

	rawKey, err := auth.GenerateKey(*env)
	if err != nil {
		log.Fatalf("failed to generate key: %v", err)
	}

	entry := config.KeyConfig{
		ID:            *id,
		Name:          *name,
		Hash:          auth.HashKey(rawKey),
		AllowedModels: splitList(*models),
	}
	if entry.ID == "" {
		entry.ID = auth.KeyPrefix(rawKey)
	}

	snippet, err := yaml.Marshal(map[string]any{
		"auth": map[string]any{"keys": []config.KeyConfig{entry}},
	})
	if err != nil {
		log.Fatalf("failed to render config: %v", err)
	}

	fmt.Println("=== API Key Generated ===")
	fmt.Println()
	fmt.Printf("  Key ID:     %s\n", entry.ID)
	fmt.Printf("  Key Prefix: %s\n", auth.KeyPrefix(rawKey))
	fmt.Println()
	fmt.Println("  API Key (save this, it will NOT be shown again):")
	fmt.Printf("  %s\n", rawKey)
	fmt.Println()
	fmt.Println("  Add to configs/gateway.yaml:")
	fmt.Println()
	for _, line := range strings.Split(strings.TrimRight(string(snippet), "\n"), "\n") {
		fmt.Printf("  %s\n", line)
	}
	fmt.Println()
	fmt.Println("=========================")
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
