package main

import "github.com/kezhenxu94/calendar-downscaler/cmd"

func main() {
	cmd.Execute()
}
