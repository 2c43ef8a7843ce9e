package block

// Регистрируем все типы блоков при импорте пакета
func init() {
	Register(Definition{ID: AirBlockID, Name: "air", Solid: false, Transparent: true})
	Register(Definition{ID: StoneBlockID, Name: "stone", Solid: true})
	Register(Definition{ID: DirtBlockID, Name: "dirt", Solid: true})
	Register(Definition{ID: GrassBlockID, Name: "grass", Solid: true})
	Register(Definition{ID: SandBlockID, Name: "sand", Solid: true})
	Register(Definition{ID: WaterBlockID, Name: "water", Solid: false, Transparent: true})
	Register(Definition{ID: GravelBlockID, Name: "gravel", Solid: true})
	Register(Definition{ID: WoodBlockID, Name: "wood", Solid: true})
	Register(Definition{ID: LeavesBlockID, Name: "leaves", Solid: true, Transparent: true})
	Register(Definition{ID: SnowBlockID, Name: "snow", Solid: true})
}
