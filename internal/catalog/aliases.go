package catalog

// seedTitle is one known game with its multilingual alias variants. Alias
// hits always produce a verified catalog entry at confidence 1.0.
type seedTitle struct {
	NameEn    string
	NameLocal string
	Genre     string
	Developer string
	Aliases   []string
}

var seedTitles = []seedTitle{
	{
		NameEn: "League of Legends", NameLocal: "리그 오브 레전드", Genre: "MOBA", Developer: "Riot Games",
		Aliases: []string{"League of Legends", "LoL", "롤", "리그오브레전드", "리그 오브 레전드"},
	},
	{
		NameEn: "Teamfight Tactics", NameLocal: "전략적 팀 전투", Genre: "Auto Battler", Developer: "Riot Games",
		Aliases: []string{"Teamfight Tactics", "TFT", "롤토체스", "전략적 팀 전투"},
	},
	{
		NameEn: "VALORANT", NameLocal: "발로란트", Genre: "FPS", Developer: "Riot Games",
		Aliases: []string{"VALORANT", "발로란트", "발로"},
	},
	{
		NameEn: "PUBG: Battlegrounds", NameLocal: "배틀그라운드", Genre: "Battle Royale", Developer: "KRAFTON",
		Aliases: []string{"PUBG", "PUBG: Battlegrounds", "배틀그라운드", "배그"},
	},
	{
		NameEn: "Lost Ark", NameLocal: "로스트아크", Genre: "MMORPG", Developer: "Smilegate RPG",
		Aliases: []string{"Lost Ark", "로스트아크", "로아"},
	},
	{
		NameEn: "MapleStory", NameLocal: "메이플스토리", Genre: "MMORPG", Developer: "Nexon",
		Aliases: []string{"MapleStory", "메이플스토리", "메이플"},
	},
	{
		NameEn: "Dungeon & Fighter", NameLocal: "던전앤파이터", Genre: "Action RPG", Developer: "Neople",
		Aliases: []string{"Dungeon & Fighter", "Dungeon Fighter Online", "던전앤파이터", "던파"},
	},
	{
		NameEn: "Sudden Attack", NameLocal: "서든어택", Genre: "FPS", Developer: "Nexon",
		Aliases: []string{"Sudden Attack", "서든어택", "서든"},
	},
	{
		NameEn: "StarCraft", NameLocal: "스타크래프트", Genre: "RTS", Developer: "Blizzard Entertainment",
		Aliases: []string{"StarCraft", "StarCraft: Remastered", "스타크래프트", "스타"},
	},
	{
		NameEn: "Overwatch 2", NameLocal: "오버워치 2", Genre: "FPS", Developer: "Blizzard Entertainment",
		Aliases: []string{"Overwatch 2", "Overwatch", "오버워치", "옵치"},
	},
	{
		NameEn: "World of Warcraft", NameLocal: "월드 오브 워크래프트", Genre: "MMORPG", Developer: "Blizzard Entertainment",
		Aliases: []string{"World of Warcraft", "WoW", "월드 오브 워크래프트", "와우"},
	},
	{
		NameEn: "Hearthstone", NameLocal: "하스스톤", Genre: "Card Game", Developer: "Blizzard Entertainment",
		Aliases: []string{"Hearthstone", "하스스톤", "하스"},
	},
	{
		NameEn: "Diablo IV", NameLocal: "디아블로 IV", Genre: "Action RPG", Developer: "Blizzard Entertainment",
		Aliases: []string{"Diablo IV", "Diablo 4", "디아블로4", "디아블로 4", "디아4"},
	},
	{
		NameEn: "Minecraft", NameLocal: "마인크래프트", Genre: "Sandbox", Developer: "Mojang Studios",
		Aliases: []string{"Minecraft", "마인크래프트", "마크"},
	},
	{
		NameEn: "Elden Ring", NameLocal: "엘든 링", Genre: "Action RPG", Developer: "FromSoftware",
		Aliases: []string{"Elden Ring", "엘든링", "엘든 링"},
	},
	{
		NameEn: "EA SPORTS FC Online", NameLocal: "FC 온라인", Genre: "Sports", Developer: "EA / Nexon",
		Aliases: []string{"FC Online", "EA SPORTS FC Online", "FC 온라인", "피파온라인4", "피파 온라인 4"},
	},
	{
		NameEn: "Grand Theft Auto V", NameLocal: "그랜드 테프트 오토 5", Genre: "Action", Developer: "Rockstar Games",
		Aliases: []string{"Grand Theft Auto V", "GTA V", "GTA 5", "지티에이5"},
	},
	{
		NameEn: "Apex Legends", NameLocal: "에이펙스 레전드", Genre: "Battle Royale", Developer: "Respawn Entertainment",
		Aliases: []string{"Apex Legends", "에이펙스 레전드", "에이펙스"},
	},
	{
		NameEn: "Eternal Return", NameLocal: "이터널 리턴", Genre: "MOBA", Developer: "Nimble Neuron",
		Aliases: []string{"Eternal Return", "이터널리턴", "이터널 리턴", "이리"},
	},
	{
		NameEn: "Just Chatting", NameLocal: "저스트 채팅", Genre: "IRL", Developer: "",
		Aliases: []string{"Just Chatting", "저스트 채팅", "저챗", "토크/캠방"},
	},
}

// aliasIndex maps normalized alias strings to their seed title.
var aliasIndex = buildAliasIndex()

func buildAliasIndex() map[string]*seedTitle {
	idx := make(map[string]*seedTitle)
	for i := range seedTitles {
		st := &seedTitles[i]
		for _, alias := range st.Aliases {
			key := NormalizeName(alias)
			if key == "" {
				continue
			}
			idx[key] = st
		}
	}
	return idx
}

func lookupAlias(name string) (*seedTitle, bool) {
	st, ok := aliasIndex[NormalizeName(name)]
	return st, ok
}
