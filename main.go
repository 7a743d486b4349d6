/*
Copyright © 2026 NAME HERE <EMAIL ADDRESS>
*/
package main

import "voxgate/cmd"

func main() {
	cmd.Execute()
}
