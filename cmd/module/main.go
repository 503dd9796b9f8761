package main

import (
	arpianovisualizer "github.com/Glitch752/ARPianoVisualizer"

	"go.viam.com/rdk/module"
	"go.viam.com/rdk/resource"
	generic "go.viam.com/rdk/services/generic"
)

func main() {
	module.ModularMain(
		resource.APIModel{API: generic.API, Model: arpianovisualizer.FiducialPoseTracker},
	)
}
