// The main package for the icon-resolver executable.
package main

import "github.com/JakeFAU/icon-resolver/cmd"

func main() {
	cmd.Execute()
}
