package main

import (
	"fmt"
	"os"
)

func main() {
	if len(os.Args) > 1 {
		cmd := os.Args[1]
		switch cmd {
		case "train":
			if err := RunTrainCommand(os.Args[2:]); err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			return
		case "levels":
			RunLevelsCommand()
			return
		case "help", "-h", "--help":
			printUsage()
			return
		default:
			fmt.Fprintf(os.Stderr, "Unknown command: %s\n", cmd)
			printUsage()
			os.Exit(1)
		}
	}

	// Default: show help
	printUsage()
}

func printUsage() {
	fmt.Println("Usage:")
	fmt.Println("  go run . [command] [options]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  train    Train a tiny model with mixed precision on synthetic data")
	fmt.Println("  levels   Describe the optimization levels (O0-O3)")
	fmt.Println("  help     Show this help message")
	fmt.Println()
	fmt.Println("Examples:")
	fmt.Println("  go run . train -opt-level=O1 -steps=200")
	fmt.Println("  go run . train -opt-level=O2 -loss-scale=128.0")
	fmt.Println("  go run . train -amp=false -steps=200")
	fmt.Println("  go run . levels")
	fmt.Println()
}

// RunLevelsCommand prints the optimization level descriptions.
func RunLevelsCommand() {
	for _, name := range optLevelNames {
		level := optLevels[name]
		fmt.Println(level.brief)
		fmt.Println(level.more)
		fmt.Println()
		defaults := level.defaults()
		fmt.Println("Defaults:")
		fmt.Print(defaults.Summary())
		fmt.Println()
	}
}
