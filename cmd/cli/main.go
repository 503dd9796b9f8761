package main

import (
	"context"
	"flag"
	"os"
	"os/signal"

	arpianovisualizer "github.com/Glitch752/ARPianoVisualizer"

	"github.com/erh/vmodutils"
	"go.viam.com/rdk/components/camera"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/resource"
	genericservice "go.viam.com/rdk/services/generic"
)

func main() {
	err := realMain()
	if err != nil {
		panic(err)
	}
}

func realMain() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	logger := logging.NewLogger("cli")

	cameraName := flag.String("camera", "webcam", "camera to pull frames from")
	detectorName := flag.String("detector", "aruco-detector", "marker detector service")
	calibrationPath := flag.String("calibration", "assets/calibration.json", "camera calibration file")
	flag.Parse()

	machine, err := vmodutils.ConnectToMachineFromEnv(ctx, logger)
	if err != nil {
		return err
	}
	defer machine.Close(ctx)

	cam, err := machine.ResourceByName(camera.Named(*cameraName))
	if err != nil {
		return err
	}
	det, err := machine.ResourceByName(genericservice.Named(*detectorName))
	if err != nil {
		return err
	}
	deps := resource.Dependencies{
		cam.Name(): cam,
		det.Name(): det,
	}

	cfg := arpianovisualizer.Config{
		CameraName:      *cameraName,
		DetectorName:    *detectorName,
		CalibrationPath: *calibrationPath,
		UpdateRateHz:    30.0,
		FlipAxis:        "y",
		EnableOnStart:   true,
	}
	if _, _, err := cfg.Validate(""); err != nil {
		return err
	}

	thing, err := arpianovisualizer.NewFiducialPoseTracker(ctx, deps, genericservice.Named("fiducial-pose-tracker"), &cfg, logger)
	if err != nil {
		return err
	}
	defer thing.Close(ctx)

	<-ctx.Done()
	return nil
}
