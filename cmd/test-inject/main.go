// Command test-inject is a manual test for shutter key injection.
// It waits 3 seconds, then taps the shutter key.
// Focus a camera app before the countdown finishes.
//
// Usage:
//
//	go run ./cmd/test-inject [--key audio_vol_up] [--modifiers ctrl,shift]
package main

import (
	"flag"
	"fmt"
	"strings"
	"time"

	"github.com/chaz8081/clickerd/internal/inject"
)

func main() {
	key := flag.String("key", inject.DefaultShutterKey, "robotgo key name")
	mods := flag.String("modifiers", "", "comma-separated modifiers")
	flag.Parse()

	var modifiers []string
	if *mods != "" {
		modifiers = strings.Split(*mods, ",")
	}

	fmt.Printf("Will tap %q in 3 seconds...\n", *key)
	fmt.Println("Focus a camera app now!")

	for i := 3; i > 0; i-- {
		fmt.Printf("%d...\n", i)
		time.Sleep(time.Second)
	}

	inj := inject.NewKeyInjector(*key, modifiers...)
	if err := inj.TapShutter(); err != nil {
		fmt.Printf("Error: %v\n", err)
		return
	}

	fmt.Println("\nDone!")
}
