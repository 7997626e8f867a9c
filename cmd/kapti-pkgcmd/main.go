package main

import "kapti/internal/kapti"

func main() {
	kapti.PkgcmdMain()
}
