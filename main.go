package main

import "github.com/ValentinKolb/beanrt/cmd"

func main() {
	cmd.Execute()
}
