package main

import "github.com/fatih/color"

var (
	okColor   = color.New(color.FgGreen)
	errColorC = color.New(color.FgRed)
)

func ok(format string, a ...any) string {
	return okColor.Sprintf(format, a...)
}

func errColor(s string) string {
	return errColorC.Sprint(s)
}
