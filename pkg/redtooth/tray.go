package redtooth

import (
	"fyne.io/systray"

	"github.com/cryogenicdeadfrost/Project-RedTooth/pkg/redtooth/util"
)

func (rt *RedTooth) initializeTray(onDone func()) {
	logger := rt.logger.Named("tray")

	onReady := func() {
		logger.Debug("Tray instance ready")

		systray.SetTemplateIcon(RedToothLogoIconData, RedToothLogoIconData)
		systray.SetTitle("redtooth")
		systray.SetTooltip("redtooth")

		editConfig := systray.AddMenuItem("Edit configuration", "Open config file with notepad")

		togglePipeline := systray.AddMenuItem("Pause audio mirroring", "Stop or resume sending audio to connected devices")

		rescanDevices := systray.AddMenuItem("Re-scan devices", "Restart bluetooth discovery if something's stuck")

		if rt.version != "" {
			systray.AddSeparator()
			versionInfo := systray.AddMenuItem(rt.version, "")
			versionInfo.Disable()
		}

		systray.AddSeparator()
		quit := systray.AddMenuItem("Quit", "Stop redtooth and quit")

		go func() {
			for {
				select {
				case <-quit.ClickedCh:
					logger.Info("Quit menu item clicked, stopping")

					rt.signalStop()

				case <-editConfig.ClickedCh:
					logger.Info("Edit config menu item clicked, opening config for editing")

					// TODO: make editor configurable
					editor := "notepad.exe"
					if util.Linux() {
						editor = "gedit"
					}

					if err := util.OpenExternal(logger, editor, userConfigFilepath); err != nil {
						logger.Warnw("Failed to open config file for editing", "error", err)
					}

				case <-togglePipeline.ClickedCh:
					if rt.pipeline.Running() {
						logger.Info("Pause menu item clicked, stopping pipeline")
						rt.StopPipeline()
						togglePipeline.SetTitle("Resume audio mirroring")
					} else {
						logger.Info("Resume menu item clicked, starting pipeline")
						if err := rt.StartPipeline(); err != nil {
							logger.Warnw("Failed to resume pipeline", "error", err)
						} else {
							togglePipeline.SetTitle("Pause audio mirroring")
						}
					}

				case <-rescanDevices.ClickedCh:
					logger.Info("Re-scan menu item clicked, restarting discovery")

					rt.scanner.StopScanning()
					if err := rt.scanner.StartScanning(); err != nil {
						logger.Warnw("Failed to restart discovery", "error", err)
					}
				}
			}
		}()

		onDone()
	}

	onExit := func() {
		logger.Debug("Tray exited")
	}

	logger.Debug("Running in tray")
	systray.Run(onReady, onExit)
}

func (rt *RedTooth) stopTray() {
	rt.logger.Debug("Quitting tray")
	systray.Quit()
}
